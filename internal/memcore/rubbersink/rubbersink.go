// Copyright 2026 CM4all GmbH. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rubbersink drains an io.Reader into a single rubber allocation,
// the way a response body is captured wholesale for caching (component F).
//
// There is no splice/sendfile fast path here: Go's io.Copy already
// fast-paths io.ReaderFrom/io.WriterTo where the platform supports it, so
// a hand-rolled zero-copy path would just reimplement what io.Copy does.
package rubbersink

import (
	"context"
	"io"

	"github.com/cm4all/edgecore/internal/memcore/rubber"
)

// Outcome discriminates the ways a Feed can end.
type Outcome int

const (
	// Done means the body was fully captured in alloc.
	Done Outcome = iota
	// DoneEmpty means src produced no bytes at all.
	DoneEmpty
	// TooLarge means the body (declared or actual) exceeds maxSize; no
	// allocation is retained.
	TooLarge
	// OOM means the rubber allocator could not satisfy the allocation
	// even though the size was within bounds (out of address space).
	OOM
)

// Result is the outcome of a Feed call.
type Result struct {
	Outcome Outcome
	Alloc   *rubber.Allocation // valid only when Outcome == Done
	Size    uint32
}

// Feed reads src to EOF (or until ctx is done) and stores the result as a
// single allocation in r. declaredLen is the caller's a-priori estimate of
// the body size (e.g. a Content-Length header); a non-negative value that
// already exceeds maxSize causes an immediate TooLarge without touching
// src or r. A negative declaredLen means "unknown".
func Feed(ctx context.Context, src io.Reader, declaredLen int64, r *rubber.Rubber, maxSize uint32) (Result, error) {
	if declaredLen >= 0 && uint32(declaredLen) > maxSize {
		return Result{Outcome: TooLarge}, nil
	}

	initial := uint32(4096)
	if declaredLen >= 0 {
		initial = uint32(declaredLen)
	}
	if initial > maxSize {
		initial = maxSize
	}
	if initial == 0 {
		initial = 1
	}

	id := r.Add(initial)
	if id == 0 {
		return Result{Outcome: OOM}, nil
	}
	buf := r.Write(id)

	var total uint32
	for {
		if err := ctx.Err(); err != nil {
			r.Remove(id)
			return Result{}, err
		}
		if total == uint32(len(buf)) {
			if total >= maxSize {
				// The allocation is exactly at the limit: probe for one
				// more byte to tell "ends right here" from "overflows".
				var probe [1]byte
				pn, perr := src.Read(probe[:])
				if pn > 0 {
					r.Remove(id)
					return Result{Outcome: TooLarge}, nil
				}
				if perr == io.EOF {
					break
				}
				if perr != nil {
					r.Remove(id)
					return Result{}, perr
				}
				continue
			}
			grown := grow(total, maxSize)
			newID, ok := regrow(r, id, grown)
			if !ok {
				r.Remove(id)
				return Result{Outcome: OOM}, nil
			}
			id = newID
			buf = r.Write(id)
		}

		n, err := src.Read(buf[total:])
		total += uint32(n)
		if err == io.EOF {
			break
		}
		if err != nil {
			r.Remove(id)
			return Result{}, err
		}
	}

	if total == 0 {
		r.Remove(id)
		return Result{Outcome: DoneEmpty}, nil
	}

	r.Shrink(id, total)
	return Result{Outcome: Done, Alloc: rubber.NewAllocation(r, id), Size: total}, nil
}

// grow doubles cur, capped at limit.
func grow(cur, limit uint32) uint32 {
	next := cur * 2
	if next < 4096 {
		next = 4096
	}
	if next > limit {
		next = limit
	}
	return next
}

// regrow reallocates id to a larger size, preserving its content, since
// Rubber has no in-place grow operation (only Shrink). Returns the new id.
func regrow(r *rubber.Rubber, id uint32, newSize uint32) (uint32, bool) {
	saved := append([]byte(nil), r.Read(id)...)
	r.Remove(id)
	newID := r.Add(newSize)
	if newID == 0 {
		return 0, false
	}
	copy(r.Write(newID), saved)
	return newID, true
}
