// Package tcp provides the TCP connector. Node to node traffic always uses it,
// clients may use it or the unix connector.
package tcp
