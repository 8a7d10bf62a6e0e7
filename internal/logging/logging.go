// Package logging builds the process-wide zap logger.
package logging

import "go.uber.org/zap"

// New returns a SugaredLogger. Development mode switches to the console
// encoder with debug level enabled.
func New(development bool) (*zap.SugaredLogger, error) {
	var (
		l   *zap.Logger
		err error
	)
	if development {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}
