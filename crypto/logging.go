package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// LoggerHelper accumulates the field set of one log site. It is not safe
// for concurrent use; build one per call.
type LoggerHelper struct {
	fields logrus.Fields
}

// NewLogger creates a logger helper for the crypto package.
func NewLogger(function string) *LoggerHelper {
	return NewPackageLogger("crypto", function)
}

// NewPackageLogger creates a logger helper tagged with pkg.
func NewPackageLogger(pkg, function string) *LoggerHelper {
	return &LoggerHelper{fields: logrus.Fields{
		"function": function,
		"package":  pkg,
	}}
}

// WithField adds a custom field.
func (l *LoggerHelper) WithField(key string, value interface{}) *LoggerHelper {
	l.fields[key] = value
	return l
}

// WithFields adds multiple custom fields.
func (l *LoggerHelper) WithFields(fields logrus.Fields) *LoggerHelper {
	for k, v := range fields {
		l.fields[k] = v
	}
	return l
}

// WithKey adds a redacted preview of key material.
func (l *LoggerHelper) WithKey(name string, key []byte) *LoggerHelper {
	return l.WithFields(SecureFieldHash(key, name))
}

// WithError records err, its class (e.g. "corrupted", "absent") and the
// operation that produced it.
func (l *LoggerHelper) WithError(err error, errorType, operation string) *LoggerHelper {
	if err != nil {
		l.fields["error"] = err.Error()
	}
	l.fields["error_type"] = errorType
	l.fields["operation"] = operation
	return l
}

// Fields returns a copy of the accumulated fields.
func (l *LoggerHelper) Fields() logrus.Fields {
	out := make(logrus.Fields, len(l.fields))
	for k, v := range l.fields {
		out[k] = v
	}
	return out
}

func (l *LoggerHelper) Debug(message string) { logrus.WithFields(l.fields).Debug(message) }
func (l *LoggerHelper) Info(message string)  { logrus.WithFields(l.fields).Info(message) }
func (l *LoggerHelper) Warn(message string)  { logrus.WithFields(l.fields).Warn(message) }
func (l *LoggerHelper) Error(message string) { logrus.WithFields(l.fields).Error(message) }

// SecureFieldHash returns the fields logged in place of sensitive data: the
// first 4 bytes in hex and the total size.
func SecureFieldHash(data []byte, name string) logrus.Fields {
	preview := "nil"
	switch {
	case len(data) > 4:
		preview = fmt.Sprintf("%x...", data[:4])
	case len(data) > 0:
		preview = fmt.Sprintf("%x", data)
	}
	return logrus.Fields{
		name + "_preview": preview,
		name + "_size":    len(data),
	}
}
