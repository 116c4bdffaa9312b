package middleware

import (
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"ogsolar-core/internal/mpesa"
)

// SafaricomCallbackIPs are the published source addresses of Daraja
// callbacks.
var SafaricomCallbackIPs = []string{
	"196.201.214.200",
	"196.201.214.206",
	"196.201.213.114",
	"196.201.214.207",
	"196.201.214.208",
	"196.201.213.44",
	"196.201.212.127",
	"196.201.212.138",
	"196.201.212.129",
	"196.201.212.136",
	"196.201.212.74",
	"196.201.212.69",
}

// CallbackAllowList checks the caller of a gateway callback against ips.
// Entries may be addresses or CIDR ranges. When enforce is false an unknown
// caller is logged and let through.
func CallbackAllowList(ips []string, enforce bool, log logrus.FieldLogger) gin.HandlerFunc {
	if len(ips) == 0 {
		ips = SafaricomCallbackIPs
	}
	var nets []*net.IPNet
	exact := map[string]bool{}
	for _, entry := range ips {
		if _, n, err := net.ParseCIDR(entry); err == nil {
			nets = append(nets, n)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			exact[ip.String()] = true
			continue
		}
		log.WithField("entry", entry).Warn("ignoring invalid callback allow-list entry")
	}

	allowed := func(raw string) bool {
		ip := net.ParseIP(raw)
		if ip == nil {
			return false
		}
		if exact[ip.String()] {
			return true
		}
		for _, n := range nets {
			if n.Contains(ip) {
				return true
			}
		}
		return false
	}

	return func(c *gin.Context) {
		ip := c.ClientIP()
		if allowed(ip) {
			c.Next()
			return
		}
		entry := log.WithFields(logrus.Fields{"client_ip": ip, "path": c.FullPath()})
		if !enforce {
			entry.Warn("callback from address outside the allow-list")
			c.Next()
			return
		}
		entry.Warn("rejected callback from address outside the allow-list")
		c.AbortWithStatusJSON(http.StatusForbidden, mpesa.Rejected("forbidden"))
	}
}
