// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package resolver provides cached host name resolution for the pools.
//
// A [Resolver] wraps a [HostLookup], which performs a single lookup.
// Results are cached until their TTL expires, and concurrent lookups of
// the same host share one lookup. Pools call [Resolver.Prefetch] when a
// request is admitted so that the lookup is usually finished by the time
// a connection is dialed; [Resolver.Status] reports how far along it is.
//
// The one lookup included uses DNS through a [net.Resolver]. See
// [NewDNSLookup] and [NewDNS].
package resolver
