/*
Modifications Copyright 2023 Mailgun Technologies Inc

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package quoteproxy

// Cache holds upstream responses keyed by request fingerprint. Expired items
// are never dropped on read; callers decide whether a stale item is usable.
type Cache interface {
	Add(item CacheItem) bool
	GetItem(key string, now int64) (value CacheItem, ok bool)
	Size() int64
	Close() error
}

type CacheItem struct {
	Key   string
	Value interface{}

	// Timestamp after which the item is stale, in epoch milliseconds.
	ExpireAt int64

	// Set by GetItem, true while `now < ExpireAt`.
	Fresh bool
}
