// Package relay links the broadcasters of several coven-chat instances
// through redis pub/sub, so a subscriber connected to one instance sees
// messages sent through another.
package relay
