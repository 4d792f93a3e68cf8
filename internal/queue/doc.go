// Package queue holds the in-memory, priority-grouped index of tasks that
// are candidates for assignment.
//
// TaskQueue itself is not synchronized. Service wraps it with the queue-wide
// reader/writer lock and is the only type other packages should share.
package queue
