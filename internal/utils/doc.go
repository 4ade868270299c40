// Package utils holds the plumbing shared by the pds-migrate entrypoint and the
// migrate command: layered Viper configuration loading, zap logger construction,
// a serialized console writer for operator output, and accessors for the values
// the root command stores on the command context.
package utils
