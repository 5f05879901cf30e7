package testutil

import "time"

// Request records an SSAP request for testing/verification
type Request struct {
	Timestamp time.Time
	URI       string
	Payload   map[string]interface{}
}

// FilterRequests returns the requests made to uri
func FilterRequests(requests []Request, uri string) []Request {
	var filtered []Request
	for _, req := range requests {
		if req.URI == uri {
			filtered = append(filtered, req)
		}
	}
	return filtered
}

// FindRequestWithPayload finds the most recent request to uri whose payload
// carries key=value
func FindRequestWithPayload(requests []Request, uri, key string, value interface{}) *Request {
	for i := len(requests) - 1; i >= 0; i-- {
		req := requests[i]
		if req.URI != uri {
			continue
		}
		if v, ok := req.Payload[key]; ok && v == value {
			return &req
		}
	}
	return nil
}
