// Package ratelimit protects the credential endpoints from guessing.
//
// Each operation class (login, pin, station, refresh) has a sliding window
// that counts failures only. Tripping a window locks the client for that
// class, and repeated trips escalate the lock. Independently, a suspicious
// activity tracker counts every failure from a network origin across all
// classes and blocks it outright once a threshold is reached.
//
// State lives behind Store so several processes can share it through Redis.
package ratelimit
