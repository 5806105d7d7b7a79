package listener

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ericselin/rangecache/internal/manager"
	"github.com/ericselin/rangecache/internal/mediaerr"
)

// parseRangeHeader decodes a client Range header into a manager.RangeSpec,
// covering the three forms spec.md §6 names: bytes=a-b, bytes=a-
// (suffix-from), and bytes=-n (suffix-length). An absent header is not an
// error: it reports hadRange=false and the caller serves the whole
// resource from offset zero.
func parseRangeHeader(header string) (spec manager.RangeSpec, hadRange bool, err error) {
	if header == "" {
		return manager.RangeSpec{}, false, nil
	}
	if !strings.HasPrefix(header, "bytes=") {
		return manager.RangeSpec{}, true, fmt.Errorf("%w: unsupported range unit in %q", mediaerr.ErrBadRequest, header)
	}
	body := strings.TrimPrefix(header, "bytes=")
	if strings.Contains(body, ",") {
		return manager.RangeSpec{}, true, fmt.Errorf("%w: multiple ranges not supported", mediaerr.ErrBadRequest)
	}

	if strings.HasPrefix(body, "-") {
		n, perr := strconv.ParseInt(strings.TrimPrefix(body, "-"), 10, 64)
		if perr != nil || n <= 0 {
			return manager.RangeSpec{}, true, fmt.Errorf("%w: malformed suffix length in %q", mediaerr.ErrBadRequest, header)
		}
		return manager.RangeSpec{SuffixLength: &n}, true, nil
	}

	parts := strings.SplitN(body, "-", 2)
	if len(parts) != 2 {
		return manager.RangeSpec{}, true, fmt.Errorf("%w: malformed range %q", mediaerr.ErrBadRequest, header)
	}
	start, perr := strconv.ParseInt(parts[0], 10, 64)
	if perr != nil || start < 0 {
		return manager.RangeSpec{}, true, fmt.Errorf("%w: malformed range start in %q", mediaerr.ErrBadRequest, header)
	}
	if parts[1] == "" {
		return manager.RangeSpec{Start: &start}, true, nil
	}
	endInclusive, perr := strconv.ParseInt(parts[1], 10, 64)
	if perr != nil || endInclusive < start {
		return manager.RangeSpec{}, true, fmt.Errorf("%w: malformed range end in %q", mediaerr.ErrBadRequest, header)
	}
	end := endInclusive + 1
	return manager.RangeSpec{Start: &start, End: &end}, true, nil
}
