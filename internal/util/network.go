// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package util

import (
	"net"

	"github.com/gin-gonic/gin"
)

// IsLocalhostDirect reports whether the request arrived from a loopback
// address with no proxy headers. A forwarded request is rejected even when
// the last hop is local, since the true origin is unknown.
func IsLocalhostDirect(c *gin.Context) bool {
	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		// Not host:port (a pipe or in-process test client).
		return false
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return false
	}
	if c.GetHeader("X-Forwarded-For") != "" ||
		c.GetHeader("X-Real-IP") != "" ||
		c.GetHeader("Forwarded") != "" {
		return false
	}
	return true
}
