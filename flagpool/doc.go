// Package flagpool publishes worker state flags.
//
// Every worker owns one flag named by its host:port address holding idle,
// busy or stop. The dispatcher reads all flags to place new sessions and
// removes entries of workers it cannot reach. Two backends are provided: a
// directory of <addr>.flag files for shared filesystems and a SQLite table
// for hosts that prefer a single database file.
package flagpool
