// Copyright (C) 2026 The shreparts Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package repartition

import "fmt"

// RunGuarded runs fn on its own goroutine and returns a channel (buffered
// to 2, matching the original's bounded result channel) that receives
// exactly one value: fn's own error, or a PanicError wrapping the panic
// message if fn panicked. The channel is closed once that one value has
// been sent, so a panic in a worker goroutine can never silently wedge the
// consumer waiting on it.
func RunGuarded(fn func() error) <-chan error {
	out := make(chan error, 2)
	go func() {
		defer close(out)
		defer func() {
			if p := recover(); p != nil {
				out <- &Error{Kind: PanicError, Err: fmt.Errorf("panic: %v", p)}
			}
		}()
		out <- fn()
	}()
	return out
}
