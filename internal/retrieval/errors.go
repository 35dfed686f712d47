package retrieval

import "errors"

// ErrValidation wraps a malformed retrieval request: bad enum, missing
// org/principal, or empty query text. Handlers surface this as a 4xx.
var ErrValidation = errors.New("retrieval: invalid request")
