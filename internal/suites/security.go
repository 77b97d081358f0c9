package suites

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/DeafMist/plugin-smoke/internal/opensearch"
	"github.com/DeafMist/plugin-smoke/internal/report"
	"github.com/DeafMist/plugin-smoke/internal/runner"
)

const securityAPI = "/_plugins/_security"

type authInfo struct {
	UserName     string   `json:"user_name"`
	Roles        []string `json:"roles"`
	BackendRoles []string `json:"backend_roles"`
}

func authInfoStep(env *Env) runner.Step {
	return runner.Step{Name: "authinfo", Run: func(ctx context.Context) (string, error) {
		var info authInfo
		if err := env.OS.Get(ctx, securityAPI+"/authinfo", &info); err != nil {
			return "", err
		}
		if info.UserName == "" {
			return "", runner.Failf("authinfo did not name the current user")
		}
		return fmt.Sprintf("user %s, roles [%s]", info.UserName, strings.Join(info.Roles, ", ")), nil
	}}
}

// countStep reports the number of entries of a security API listing.
func countStep(env *Env, name, path, noun string) runner.Step {
	return runner.Step{Name: name, Run: func(ctx context.Context) (string, error) {
		n, err := objectSize(ctx, env, path)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%d %s", n, noun), nil
	}}
}

// Security walks the Security plugin REST API.
func Security(env *Env) runner.Suite {
	return runner.Suite{
		Name:      "security",
		Threshold: DefaultThreshold,
		Setup:     env.connect,
		Steps: []runner.Step{
			authInfoStep(env),
			countStep(env, "internal-users", securityAPI+"/api/internalusers", "users"),
			countStep(env, "roles", securityAPI+"/api/roles", "roles"),
			countStep(env, "tenants", securityAPI+"/api/tenants", "tenants"),
			countStep(env, "roles-mapping", securityAPI+"/api/rolesmapping", "mappings"),
			{Name: "health", Run: func(ctx context.Context) (string, error) {
				resp, err := env.OS.Call(ctx, http.MethodGet, securityAPI+"/health", nil)
				if err != nil {
					return "", err
				}
				if resp.StatusCode != http.StatusOK {
					return "", report.Warn("security health unavailable (status %d)", resp.StatusCode)
				}
				var health struct {
					Status string `json:"status"`
					Mode   string `json:"mode"`
				}
				if err := resp.Decode(&health); err != nil {
					return "", err
				}
				return fmt.Sprintf("status %s, mode %s; TLS in use", health.Status, health.Mode), nil
			}},
			{Name: "audit", Run: func(ctx context.Context) (string, error) {
				path := securityAPI + "/api/audit"
				resp, err := env.OS.Call(ctx, http.MethodGet, path, nil)
				if err != nil {
					return "", err
				}
				switch {
				case resp.StatusCode == http.StatusOK:
					return "audit configuration readable", nil
				case resp.StatusCode == http.StatusMethodNotAllowed:
					return "", report.Warn("audit logging needs separate setup (status 405)")
				default:
					return "", &opensearch.StatusError{
						Method:     http.MethodGet,
						Path:       path,
						StatusCode: resp.StatusCode,
						Body:       opensearch.Truncate(string(resp.Body), 200),
					}
				}
			}},
		},
		NextSteps: []string{
			"Review security settings in OpenSearch Dashboards",
			"Create additional users and roles",
			"Configure per-index access permissions",
			"Set up per-department dashboards with multi-tenancy",
		},
	}
}
