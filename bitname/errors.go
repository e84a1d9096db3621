package bitname

import "github.com/pkg/errors"

// ErrPrevMismatch is returned by AddNameTrx when the submitted header's
// Prev does not match the block currently under construction.
var ErrPrevMismatch = errors.New("bitname: name trx does not extend the block under construction")
