/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package latestonlychannel provides a channel pipe for state updates where
// only the most recent value matters.
package latestonlychannel

// Coalesce forwards values from in to the returned channel without ever
// blocking the sender.  A value the reader has not yet taken is replaced by
// any newer one, so a slow reader only sees the latest state.  The returned
// channel is closed once in is closed; a value still pending at that point
// is dropped.
func Coalesce[T any](in <-chan T) <-chan T {
	out := make(chan T)

	go func() {
		defer close(out)

		var pending T
		// nil until there is something to send
		var sendCh chan<- T

		for {
			select {
			case v, ok := <-in:
				if !ok {
					return
				}
				pending = v
				sendCh = out
			case sendCh <- pending:
				var zero T
				pending = zero
				sendCh = nil
			}
		}
	}()

	return out
}
