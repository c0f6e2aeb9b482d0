package auth

// Known OAuth scopes used by the API.
const (
	ScopeSyncWrite   = "sync:write"
	ScopeSyncAdmin   = "sync:admin"
	ScopeMetricsRead = "metrics:read"
	ScopeAlertsWrite = "alerts:write"
)

// AllScopes is granted to service-role callers.
var AllScopes = []string{ScopeSyncWrite, ScopeSyncAdmin, ScopeMetricsRead, ScopeAlertsWrite}
