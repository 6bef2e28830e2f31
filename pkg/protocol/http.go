// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// HTTPParser summarizes HTTP/1.x exchanges.
type HTTPParser struct{}

func (p *HTTPParser) Name() string { return ProtoHTTP }

func (p *HTTPParser) Detect(data []byte) bool {
	if len(data) < 4 {
		return false
	}

	s := string(data[:min(len(data), 16)])
	return isHTTPMethod(s) || strings.HasPrefix(s, "HTTP/")
}

func (p *HTTPParser) Summarize(request, response []byte) *Summary {
	sum := &Summary{Protocol: ProtoHTTP}

	if len(request) > 0 {
		req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(request)))
		if err == nil {
			sum.Method = req.Method
			sum.Path = req.URL.Path
			sum.Host = req.Host
			sum.UserAgent = req.UserAgent()
			req.Body.Close()
		} else if method, target, ok := firstLine(request); ok {
			sum.Method = method
			sum.Path = target
		}
	}

	if len(response) > 0 {
		resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(response)), nil)
		if err == nil {
			sum.Status = resp.StatusCode
			resp.Body.Close()
		} else if _, code, ok := firstLine(response); ok {
			sum.Status, _ = strconv.Atoi(code)
		}
	}

	switch {
	case sum.Method != "" && sum.Path != "":
		sum.Name = sum.Method + " " + sum.Path
	case sum.Method != "":
		sum.Name = sum.Method
	default:
		sum.Name = "HTTP"
	}
	if sum.Status >= 400 {
		sum.Error = true
		sum.ErrorMsg = fmt.Sprintf("HTTP %d", sum.Status)
	}

	return sum
}

// firstLine splits the first CRLF-terminated line into its first two fields.
// Used when a capture is truncated and net/http refuses it.
func firstLine(data []byte) (a, b string, ok bool) {
	idx := bytes.Index(data, []byte("\r\n"))
	if idx <= 0 {
		return "", "", false
	}
	parts := strings.SplitN(string(data[:idx]), " ", 3)
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
