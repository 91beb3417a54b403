package app

import "testing"

func TestModelIDsCoverEveryRoute(t *testing.T) {
	for _, route := range []string{routeOpenAI, routeAnthropic, routePaLM, routeAWSClaude} {
		ids, ok := modelIDs[route]
		if !ok || len(ids) == 0 {
			t.Errorf("expected at least one model id for route %q", route)
		}
	}
}
