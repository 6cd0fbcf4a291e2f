package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	storedAtHeaderName = "Worker-Stored-At"
	urlHeaderName      = "Worker-Url"
)

// StoredResponse is a response captured for a cache generation,
// together with the URL it answers and the time it was captured.
type StoredResponse struct {
	URL      string
	StoredAt time.Time
	Response *http.Response
}

// BytesToStoredResponse reads a stored response written by StoredResponseToBytes.
// The body of the returned response is fully buffered.
func BytesToStoredResponse(b []byte) (StoredResponse, error) {
	sRes := StoredResponse{}
	res, err := bytesToResponse(b)
	if err != nil {
		return sRes, err
	}
	storedAt, err := strconv.ParseInt(res.Header.Get(storedAtHeaderName), 10, 64)
	if err != nil {
		return sRes, fmt.Errorf("stored-at header: %w", err)
	}
	sRes.URL = res.Header.Get(urlHeaderName)
	sRes.StoredAt = time.Unix(0, storedAt)
	// delete extra headers
	res.Header.Del(storedAtHeaderName)
	res.Header.Del(urlHeaderName)
	sRes.Response = res
	return sRes, nil
}

// StoredResponseToBytes returns the HTTP/1.1 representation of the stored response.
// The URL and capture time travel as extra headers which are removed again on read.
// The response body is consumed and replaced with an equivalent reader.
func StoredResponseToBytes(sRes StoredResponse) ([]byte, error) {
	res := sRes.Response
	if res == nil {
		return nil, fmt.Errorf("no response to serialize")
	}
	res.Header.Set(storedAtHeaderName, strconv.FormatInt(sRes.StoredAt.UnixNano(), 10))
	res.Header.Set(urlHeaderName, sRes.URL)
	bts, err := responseToBytes(res)
	// remove the extra headers just in case
	res.Header.Del(storedAtHeaderName)
	res.Header.Del(urlHeaderName)
	return bts, err
}

// bytesToResponse converts a byte slice to a http.Response with a buffered body.
func bytesToResponse(b []byte) (*http.Response, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	return res, nil
}

// responseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response
func responseToBytes(res *http.Response) ([]byte, error) {
	// write response to buffer
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	// set response body back
	bts := buf.Bytes()
	clonedRes, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, err
	}
	res.Body = clonedRes.Body
	// return buffer bytes
	return bts, nil
}
