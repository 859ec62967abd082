package orcapi

import (
	"fmt"
	"strings"
)

// Provider types known to the permission-string rules of §4.5. Custom
// provider types are still assignable (the Control Plane does not
// restrict provider_type to this set) but only these three have a
// defined RequiredPermission mapping; unknown types fall back to a
// single "<type>:<operation>" convention.
const (
	ProviderTypeKV        = "kv"
	ProviderTypeHTTP      = "http"
	ProviderTypeMessaging = "msg"
)

// KV operation names.
const (
	KVOpGet    = "get"
	KVOpList   = "list"
	KVOpSet    = "set"
	KVOpDelete = "delete"
)

// HTTP operation name. Every HTTP operation is "request"; the domain is
// carried in params, not the operation name.
const HTTPOpRequest = "request"

// Messaging operation names.
const (
	MsgOpPublish   = "publish"
	MsgOpSubscribe = "subscribe"
)

// RequiredPermissions returns the permission string(s) that must all be
// present in an assignment's permission set before `operation` may
// proceed against a provider of `providerType`, per §4.5:
//
//   - KV: kv:read for get/list, kv:write for set, kv:delete for delete.
//   - HTTP: http:request is always required; http:domain:<host> is
//     additionally required when `domain` is non-empty.
//   - Messaging: only the generic form (msg:publish / msg:subscribe) is
//     returned. RequiredPermissionAlternatives additionally accepts the
//     exact-topic form (msg:publish:<topic> / msg:subscribe:<topic>).
func RequiredPermissions(providerType, operation, domainOrTopic string) ([]string, error) {
	switch providerType {
	case ProviderTypeKV:
		switch operation {
		case KVOpGet, KVOpList:
			return []string{"kv:read"}, nil
		case KVOpSet:
			return []string{"kv:write"}, nil
		case KVOpDelete:
			return []string{"kv:delete"}, nil
		default:
			return nil, NewInvalidRequest("unknown kv operation %q", operation)
		}
	case ProviderTypeHTTP:
		perms := []string{"http:request"}
		if domainOrTopic != "" {
			perms = append(perms, "http:domain:"+domainOrTopic)
		}
		return perms, nil
	case ProviderTypeMessaging:
		// Handled via RequiredPermissionAlternatives; callers that only
		// want a single required set can still use this, accepting the
		// generic form as the requirement.
		switch operation {
		case MsgOpPublish:
			return []string{"msg:publish"}, nil
		case MsgOpSubscribe:
			return []string{"msg:subscribe"}, nil
		default:
			return nil, NewInvalidRequest("unknown messaging operation %q", operation)
		}
	default:
		return []string{fmt.Sprintf("%s:%s", providerType, operation)}, nil
	}
}

// RequiredPermissionAlternatives returns the set of permission strings
// any ONE of which satisfies the check for this operation. For KV and
// HTTP this is the full AND-set from RequiredPermissions wrapped as a
// single alternative (every string in it is required); for messaging
// with a non-empty topic it returns two alternatives — the exact-topic
// form and the generic form — since either one alone is sufficient
// (§4.5). Messaging without a topic gets the generic form only.
func RequiredPermissionAlternatives(providerType, operation, domainOrTopic string) ([][]string, error) {
	if providerType == ProviderTypeMessaging && domainOrTopic != "" {
		var exact, generic string
		switch operation {
		case MsgOpPublish:
			exact, generic = "msg:publish:"+domainOrTopic, "msg:publish"
		case MsgOpSubscribe:
			exact, generic = "msg:subscribe:"+domainOrTopic, "msg:subscribe"
		default:
			return nil, NewInvalidRequest("unknown messaging operation %q", operation)
		}
		return [][]string{{exact}, {generic}}, nil
	}

	required, err := RequiredPermissions(providerType, operation, domainOrTopic)
	if err != nil {
		return nil, err
	}
	return [][]string{required}, nil
}

// HasRequiredPermission reports whether assignment satisfies the
// permission requirement for `operation` against `providerType`, given an
// optional domain (HTTP) or topic (messaging). This is the single check
// both the local Agent and a remote Agent re-validating a forwarded call
// should use (§4.5, §9: "the check reads the current assignment
// snapshot").
func HasRequiredPermission(assignment CapabilityAssignment, providerType, operation, domainOrTopic string) bool {
	alternatives, err := RequiredPermissionAlternatives(providerType, operation, domainOrTopic)
	if err != nil {
		return false
	}
	for _, alt := range alternatives {
		satisfied := true
		for _, perm := range alt {
			if !assignment.Has(perm) {
				satisfied = false
				break
			}
		}
		if satisfied {
			return true
		}
	}
	return false
}

// ValidatePermissionString checks that a permission string is
// well-formed for the given provider type (§4.1 AssignCapability:
// "reject otherwise"). It does not check that the permission is
// *required* by any particular operation — only that it is a
// recognizable, non-empty string of the provider's permission grammar.
func ValidatePermissionString(providerType, permission string) error {
	if strings.TrimSpace(permission) == "" {
		return NewInvalidRequest("permission string must not be empty")
	}
	parts := strings.SplitN(permission, ":", 2)
	if len(parts) < 1 || parts[0] == "" {
		return NewInvalidRequest("permission %q is malformed", permission)
	}

	switch providerType {
	case ProviderTypeKV:
		switch permission {
		case "kv:read", "kv:write", "kv:delete":
			return nil
		default:
			return NewInvalidRequest("permission %q is not valid for provider type kv", permission)
		}
	case ProviderTypeHTTP:
		if permission == "http:request" {
			return nil
		}
		if strings.HasPrefix(permission, "http:domain:") && len(permission) > len("http:domain:") {
			return nil
		}
		return NewInvalidRequest("permission %q is not valid for provider type http", permission)
	case ProviderTypeMessaging:
		if permission == "msg:publish" || permission == "msg:subscribe" {
			return nil
		}
		if strings.HasPrefix(permission, "msg:publish:") || strings.HasPrefix(permission, "msg:subscribe:") {
			return nil
		}
		return NewInvalidRequest("permission %q is not valid for provider type msg", permission)
	default:
		// Unknown provider types accept any "<type>:<op>" shaped string;
		// the provider contract (C2) is the authority on its own
		// operations, not the Control Plane.
		if strings.HasPrefix(permission, providerType+":") {
			return nil
		}
		return NewInvalidRequest("permission %q does not match provider type %q", permission, providerType)
	}
}
