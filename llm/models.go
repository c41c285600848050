package llm

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/m4xw311/loopy/errors"
)

var leadingVersionRe = regexp.MustCompile(`\d+\.?\d*`)

// ListModels returns the model ids offered by provider. Only google and
// openrouter support listing.
func ListModels(ctx context.Context, provider string) ([]string, error) {
	switch NormalizeProvider(provider) {
	case ProviderGoogle:
		return listGeminiModels(ctx)
	case ProviderOpenRouter:
		return listOpenRouterModels(ctx)
	default:
		return nil, errors.New("model listing is not supported for provider %q", provider)
	}
}

// sortByVersionDesc orders names by the first version number they contain,
// highest first. Names without a number sort last; ties keep their order.
func sortByVersionDesc(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		return modelVersion(names[i]) > modelVersion(names[j])
	})
}

func modelVersion(name string) float64 {
	m := leadingVersionRe.FindString(name)
	if m == "" {
		return 0
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(m, "."), 64)
	if err != nil {
		return 0
	}
	return v
}

func trimModelPrefix(name string) string {
	return strings.TrimPrefix(name, "models/")
}
