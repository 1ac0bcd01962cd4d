// utils/http.go
package utils

import (
	"time"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
)

// HTTPClient is shared by the AWS clients (matchmaking provider, archive).
// It stays buildable so LoadDefaultConfig can still apply AWS_CA_BUNDLE.
// Provider calls are request-scoped, so keep the ceiling short.
var HTTPClient = awshttp.NewBuildableClient().WithTimeout(15 * time.Second)
