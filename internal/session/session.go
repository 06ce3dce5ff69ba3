// Package session keeps a Redis registry of live chat sessions so that any
// instance can see which users are connected, to which conversation, and on
// which server.
package session
