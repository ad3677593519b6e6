package config

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// ApplyLogging configures the standard logrus logger from the [log] section.
func (c *Config) ApplyLogging() error {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	logrus.SetLevel(level)

	if strings.EqualFold(c.Log.Format, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
