package bucket

import "errors"

// ErrInvalidArgument is the sentinel for the InvalidArgument error kind
// (spec §7.1): non-finite or non-positive values where positivity is
// required, a restore() call whose snapshot has tokens > capacity, or an
// unknown snapshot version. LocalBucket raises it synchronously; callers
// wrapping a LocalBucket across an async boundary (distributed.Bucket)
// surface it as a rejected result instead.
var ErrInvalidArgument = errors.New("ratelimit: invalid argument")
