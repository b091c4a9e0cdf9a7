package main

// ServiceAddFlags decouple cobra from the add logic for testing.
type ServiceAddFlags struct {
	File string
}

type LogsFlags struct {
	Stream string
	Offset int64
	Follow bool
}

type EventsFlags struct {
	From   int
	Follow bool
}
