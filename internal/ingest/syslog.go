package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"scanguard/internal/config"
)

func StartSyslog(ctx context.Context, cfg config.SyslogConfig, pipe *Pipe, logger *slog.Logger) {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("syslog ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("syslog ingest enabled", "udp_addr", cfg.UDPAddr, "tcp_addr", cfg.TCPAddr)
	}
	if cfg.UDPAddr != "" {
		conn, err := ListenUDP(cfg.UDPAddr)
		if err != nil {
			if logger != nil {
				logger.Error("syslog udp listen error", "addr", cfg.UDPAddr, "err", err)
			}
		} else {
			go ServeUDP(ctx, conn, pipe, logger)
		}
	}
	if cfg.TCPAddr != "" {
		ln, err := net.Listen("tcp", cfg.TCPAddr)
		if err != nil {
			if logger != nil {
				logger.Error("syslog tcp listen error", "addr", cfg.TCPAddr, "err", err)
			}
		} else {
			go ServeTCP(ctx, ln, pipe, logger)
		}
	}
}

func ListenUDP(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", udpAddr)
}

// ServeUDP reads datagrams until ctx is done. One datagram may carry
// several newline separated records.
func ServeUDP(ctx context.Context, conn *net.UDPConn, pipe *Pipe, logger *slog.Logger) {
	defer conn.Close()
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if logger != nil {
				logger.Warn("syslog udp read error", "err", err)
			}
			continue
		}
		pipe.EmitPayload(ctx, "syslog_udp", string(buf[:n]))
	}
}

// ServeTCP accepts newline framed syslog streams until ctx is done.
func ServeTCP(ctx context.Context, ln net.Listener, pipe *Pipe, logger *slog.Logger) {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if logger != nil {
				logger.Warn("syslog tcp accept error", "err", err)
			}
			continue
		}
		go handleTCPConn(ctx, conn, pipe, logger)
	}
}

func handleTCPConn(ctx context.Context, conn net.Conn, pipe *Pipe, logger *slog.Logger) {
	done := make(chan struct{})
	defer func() {
		close(done)
		_ = conn.Close()
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), 1024*1024)
	for scanner.Scan() {
		pipe.Emit(ctx, "syslog_tcp", scanner.Text())
		if ctx.Err() != nil {
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && logger != nil {
		logger.Warn("syslog tcp scanner error", "remote", conn.RemoteAddr().String(), "err", err)
	}
}
