package apiclient

import (
	"encoding/json"
	"fmt"
)

// KeyPrefix is prepended to every cache key, in memory and in the persistent mirror.
const KeyPrefix = "api_cache_"

// Params are the request parameters that identify a cached response.
type Params map[string]any

// GenerateKey builds the cache key for endpoint and params. Parameter order never
// matters: encoding/json writes map keys sorted, nested maps included.
//
// Example:
//
//	apiclient.GenerateKey("AIAssistant", apiclient.Params{"userId": "u1"})
//	// api_cache_AIAssistant_{"userId":"u1"}
func GenerateKey(endpoint string, params Params) string {
	if len(params) == 0 {
		return KeyPrefix + endpoint + "_{}"
	}

	encoded, err := json.Marshal(params)
	if err != nil {
		// Values JSON can't encode (funcs, channels) still get a stable key; fmt sorts map keys too.
		return KeyPrefix + endpoint + "_" + fmt.Sprintf("%v", map[string]any(params))
	}
	return KeyPrefix + endpoint + "_" + string(encoded)
}
