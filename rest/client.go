// Copyright 2026 The Tunnelguard Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"

	"tunnelguard"
)

// Client is a typed consumer of the panel API.  It keeps the session
// cookie from Login in a jar, so one Client maps to one panel session.
type Client struct {
	base   string
	client *http.Client
}

func NewClient(base string) *Client {
	jar, _ := cookiejar.New(nil)
	return &Client{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Jar: jar},
	}
}

func (c *Client) decode(rsp *http.Response, v interface{}) error {
	defer rsp.Body.Close()
	body, err := io.ReadAll(rsp.Body)
	if err != nil {
		return err
	}
	if rsp.StatusCode != http.StatusOK {
		e := &Error{}
		if json.Unmarshal(body, e) == nil && e.Message != "" {
			return e
		}
		return fmt.Errorf("HTTP %d", rsp.StatusCode)
	}
	if v == nil {
		return nil
	}
	return json.Unmarshal(body, v)
}

// Login establishes a panel session.
func (c *Client) Login(user, pass string) error {
	form := url.Values{"username": {user}, "password": {pass}}
	rsp, err := c.client.PostForm(c.base+"/login", form)
	if err != nil {
		return err
	}
	return c.decode(rsp, nil)
}

// Logout tears the session down.
func (c *Client) Logout() error {
	rsp, err := c.client.Post(c.base+"/logout", "", nil)
	if err != nil {
		return err
	}
	return c.decode(rsp, nil)
}

// Status fetches the service status.
func (c *Client) Status() (tunnelguard.Status, error) {
	var st tunnelguard.Status
	rsp, err := c.client.Get(c.base + "/api/status")
	if err != nil {
		return st, err
	}
	err = c.decode(rsp, &st)
	return st, err
}

// Logs fetches up to lines recent service log lines.
func (c *Client) Logs(lines int) (string, error) {
	var reply LogsReply
	u := c.base + "/api/logs?lines=" + strconv.Itoa(lines)
	rsp, err := c.client.Get(u)
	if err != nil {
		return "", err
	}
	if err = c.decode(rsp, &reply); err != nil {
		return "", err
	}
	return reply.Stdout, nil
}

// Action performs a start, stop or restart.
func (c *Client) Action(action string) (tunnelguard.Result, error) {
	var r tunnelguard.Result
	rsp, err := c.client.Post(c.base+"/api/"+url.PathEscape(action), "", nil)
	if err != nil {
		return r, err
	}
	err = c.decode(rsp, &r)
	return r, err
}
