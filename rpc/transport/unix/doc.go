// Package unix provides a Unix domain socket connector for clients running on
// the same host as the node.
package unix
