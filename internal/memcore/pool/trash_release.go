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

//go:build !pooldebug

package pool

// In release builds the trash list isn't tracked: a trashed pool's
// children are simply detached, and the caller is responsible for
// eventually unreferencing them. Commit is a no-op.

func trashAdd(p *Pool) {}

// Commit is a no-op outside of pooldebug builds.
func Commit() {}

func untrash(p *Pool) {}
