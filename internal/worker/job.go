package worker

import "context"

// Task is a unit of work routed by key
type Task struct {
	// Key selects the worker; usually a data source ID
	Key string
	Run func(ctx context.Context)
	// Done, when set, is called after Run returns or panics
	Done func()
}
