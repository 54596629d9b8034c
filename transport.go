package astorage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
)

const applicationJSON = "application/json"
const authorizationHeader = "Authorization"

// transport performs one blocking request against the server and maps the
// response status onto the error taxonomy. Connection pooling, TLS and
// timeouts belong to the injected http.Client.
type transport struct {
	baseURL string
	client  *http.Client
	token   string
}

// do issues method path?query with an optional JSON body and decodes the
// 200 response into out when out is non-nil.
func (t *transport) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	u := t.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", applicationJSON)
	}
	if t.token != "" {
		req.Header.Set(authorizationHeader, t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrTimeout
		}
		return err
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		io.Copy(io.Discard, resp.Body)
		return err
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// replicationValues starts a query string with the quorum parameters every
// keyspace operation carries.
func replicationValues(n, r, w int) url.Values {
	q := url.Values{}
	q.Set("n", strconv.Itoa(n))
	q.Set("r", strconv.Itoa(r))
	q.Set("w", strconv.Itoa(w))
	return q
}

// entryPath returns the resource path of a single entry.
func entryPath(partition, clustering Key) string {
	if len(clustering) == 0 {
		return "/astorage/v2/kv/keys/" + partition.String()
	}
	return "/astorage/v2/kv/partition/" + partition.String() + "/clustering/" + clustering.String()
}

func partitionPath(partition Key) string {
	return "/astorage/v2/kv/partition/" + partition.String()
}

func treePath(tree Key) string {
	return "/astorage/v2/dt/" + tree.String()
}
