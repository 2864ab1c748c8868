// Package testutil contains helper builders and fixtures used across tests to
// reduce boilerplate when constructing sessions, messages, tool descriptors
// and fake tool executables. They are not intended for production usage.
package testutil
