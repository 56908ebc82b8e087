package config

import (
	"fmt"
	"time"
)

// Requirements represents calculated resource requirements for one
// acquisition workload.
type Requirements struct {
	// Memory requirements
	FrameBytes          int64
	BufferBytesPerConn  int64
	TotalBufferBytes    int64
	PostProcessRAMBytes int64
	QueryCacheBytes     int64
	TotalRAMBytes       int64

	// Storage requirements
	BytesPerSecond   int64
	BytesPerDay      int64
	RetainedBytes    int64
	SegmentsRetained int64

	// Buffer horizon at the given sample rate
	BufferSpan time.Duration
}

// frameOverhead is the in-memory cost of a decoded frame besides its
// values: sequence, timestamp, flag and slice header.
const frameOverhead = 48

// valueBytes is the in-memory size of one decoded value.
const valueBytes = 16

// CalculateRequirements estimates resources for connections that each
// carry the given number of channels at sampleRateHz, with encodedBytes
// per frame written to post-process storage.
func (c *Config) CalculateRequirements(connections, channels, encodedBytes int, sampleRateHz float64) Requirements {
	r := Requirements{}

	r.FrameBytes = int64(frameOverhead + channels*valueBytes)
	r.BufferBytesPerConn = r.FrameBytes * int64(c.Session.BufferCapacity)
	r.TotalBufferBytes = r.BufferBytesPerConn * int64(connections)

	if c.PostProcess.Backend == "memory" {
		r.PostProcessRAMBytes = c.PostProcess.BufferSize
	}
	r.QueryCacheBytes = parseMemoryLimit(c.Query.MemoryLimit)
	r.TotalRAMBytes = r.TotalBufferBytes + r.PostProcessRAMBytes + r.QueryCacheBytes

	if sampleRateHz > 0 {
		r.BytesPerSecond = int64(float64(encodedBytes) * sampleRateHz)
		r.BufferSpan = time.Duration(float64(c.Session.BufferCapacity) / sampleRateHz * float64(time.Second))
	}
	r.BytesPerDay = r.BytesPerSecond * 86400

	retentionSec := int64(c.PostProcess.Retention / time.Second)
	r.RetainedBytes = r.BytesPerSecond * retentionSec
	if c.PostProcess.SegmentSize > 0 {
		r.SegmentsRetained = r.RetainedBytes/c.PostProcess.SegmentSize + 1
	}

	return r
}

// FormatRequirements returns a human-readable summary of requirements.
func (r *Requirements) FormatRequirements() string {
	return fmt.Sprintf(`Resource Requirements
=====================

Memory:
  Frame:             %s
  Buffer/connection: %s
  All buffers:       %s
  Post-process ring: %s
  Query cache:       %s
  Total RAM:         %s

Storage:
  Bytes/sec:         %s
  Bytes/day:         %s
  Retained:          %s in %d segments

Buffer span:         %s
`,
		formatBytes(r.FrameBytes),
		formatBytes(r.BufferBytesPerConn),
		formatBytes(r.TotalBufferBytes),
		formatBytes(r.PostProcessRAMBytes),
		formatBytes(r.QueryCacheBytes),
		formatBytes(r.TotalRAMBytes),
		formatBytes(r.BytesPerSecond),
		formatBytes(r.BytesPerDay),
		formatBytes(r.RetainedBytes),
		r.SegmentsRetained,
		r.BufferSpan,
	)
}

// parseMemoryLimit parses a memory limit string like "2GB" into bytes.
func parseMemoryLimit(s string) int64 {
	if s == "" {
		return 512 * 1024 * 1024
	}

	var value int64
	var unit string
	for i, c := range s {
		if c < '0' || c > '9' {
			fmt.Sscanf(s[:i], "%d", &value)
			unit = s[i:]
			break
		}
	}
	if unit == "" {
		fmt.Sscanf(s, "%d", &value)
	}

	switch unit {
	case "B", "b", "":
		return value
	case "KB", "kb", "K", "k":
		return value * 1024
	case "MB", "mb", "M", "m":
		return value * 1024 * 1024
	case "GB", "gb", "G", "g":
		return value * 1024 * 1024 * 1024
	case "TB", "tb", "T", "t":
		return value * 1024 * 1024 * 1024 * 1024
	default:
		return value
	}
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
