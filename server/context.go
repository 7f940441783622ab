// Copyright 2025 Quarry
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

package server

import (
	"sync"

	"quarry/platform/shared/logger"
)

// RequestContext carries the identity attached to one inbound request or one
// scheduled background execution. SecurityContext is the current field;
// AuthInfo is the legacy name kept for callers that predate the rename.
// After normalization both hold the same claim map, or both are nil.
type RequestContext struct {
	SecurityContext map[string]interface{} `json:"securityContext,omitempty"`
	AuthInfo        map[string]interface{} `json:"authInfo,omitempty"`
	RequestID       string                 `json:"requestId,omitempty"`
}

// SecurityString returns a string claim from the security context, or ""
// when the context or the claim is absent. Safe on a nil receiver.
func (rc *RequestContext) SecurityString(key string) string {
	if rc == nil || rc.SecurityContext == nil {
		return ""
	}
	if v, ok := rc.SecurityContext[key].(string); ok {
		return v
	}
	return ""
}

// ContextNormalizer reconciles the legacy AuthInfo field with the current
// SecurityContext field on background contexts. The first legacy-only
// context observed in the process emits an "auth_info_deprecation" event;
// every later occurrence is rewritten silently.
type ContextNormalizer struct {
	events          logger.EventLogger
	deprecationOnce sync.Once
}

// NewContextNormalizer creates a normalizer. The events sink may be nil.
func NewContextNormalizer(events logger.EventLogger) *ContextNormalizer {
	return &ContextNormalizer{events: events}
}

// Normalize reconciles the two identity fields in place and returns the same
// context. nil input yields nil output. A context carrying only the legacy
// field gets the current field populated with the same map (and triggers the
// one-time deprecation event); one carrying only the current field gets the
// legacy field populated silently. Contexts with both or neither field set
// pass through unchanged.
func (n *ContextNormalizer) Normalize(rc *RequestContext) *RequestContext {
	if rc == nil {
		return nil
	}

	switch {
	case rc.SecurityContext == nil && rc.AuthInfo != nil:
		rc.SecurityContext = rc.AuthInfo
		n.deprecationOnce.Do(func() {
			if n.events != nil {
				n.events.Event("auth_info_deprecation", map[string]interface{}{
					"warning": "authInfo was renamed to securityContext, please update your background context configuration",
				})
			}
		})

	case rc.SecurityContext != nil && rc.AuthInfo == nil:
		rc.AuthInfo = rc.SecurityContext
	}

	return rc
}
