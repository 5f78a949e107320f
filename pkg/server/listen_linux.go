//go:build linux

package server

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const listenOverflowInterval = 10 * time.Second

// logListenBacklog logs the kernel's listen backlog limit (Linux-specific)
func logListenBacklog(log *zerolog.Logger, addr string) {
	var somaxconn int
	if data, err := os.ReadFile("/proc/sys/net/core/somaxconn"); err == nil {
		fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &somaxconn)
	}

	log.Info().Str("addr", addr).Int("somaxconn", somaxconn).Msg("TCP server listening")
	if somaxconn > 0 && somaxconn < 1024 {
		log.Warn().Int("somaxconn", somaxconn).Msg("kernel listen backlog is low; consider sysctl -w net.core.somaxconn=4096")
	}
}

// monitorListenOverflows periodically checks for listen queue overflows until shutdown
func (s *Server) monitorListenOverflows() {
	ticker := time.NewTicker(listenOverflowInterval)
	defer ticker.Stop()

	lastOverflows := getListenOverflows()

	for {
		select {
		case <-ticker.C:
			overflows := getListenOverflows()
			if overflows > lastOverflows {
				s.log.Warn().
					Uint64("rejected", overflows-lastOverflows).
					Uint64("total", overflows).
					Msg("connections dropped by listen backlog overflow")
			}
			lastOverflows = overflows

		case <-s.shutdown:
			return
		}
	}
}

// getListenOverflows reads the ListenOverflows counter from /proc/net/netstat
func getListenOverflows() uint64 {
	file, err := os.Open("/proc/net/netstat")
	if err != nil {
		return 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var headers, values []string
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != "TcpExt:" {
			continue
		}
		if headers == nil {
			headers = fields[1:]
		} else {
			values = fields[1:]
			break
		}
	}

	for i, header := range headers {
		if header == "ListenOverflows" && i < len(values) {
			var overflows uint64
			fmt.Sscanf(values[i], "%d", &overflows)
			return overflows
		}
	}
	return 0
}
