package main

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

const (
	uploadEventName   = "pointcloud.upload"
	uploadEventDomain = "pointcloud"

	attrHTTPStatusCode = "http.status_code"
	attrTotalMillis    = "pointcloud.upload.total_ms"
	attrAuthMillis     = "pointcloud.upload.auth_ms"
	attrStoreMillis    = "pointcloud.upload.store_ms"
	attrQueueMillis    = "pointcloud.upload.queue_ms"
	attrUploadBytes    = "pointcloud.upload.bytes"
	attrUploadFormat   = "pointcloud.upload.format"
	attrReplayed       = "pointcloud.upload.replayed"
	attrErrorStage     = "pointcloud.upload.error_stage"
)

type logRecord struct {
	EventName      string         `json:"event.name"`
	EventDomain    string         `json:"event.domain"`
	SeverityText   string         `json:"severity_text"`
	SeverityNumber int            `json:"severity_number"`
	Body           any            `json:"body"`
	Attributes     map[string]any `json:"attributes"`
}

type collector struct {
	eventName   string
	eventDomain string
	stats       metricsSummary
	skipped     int
}

type metricsSummary struct {
	Count          int
	SeverityCounts map[string]int
	StatusCounts   map[int]int
	Durations      map[string]*numericStats
	Bytes          *numericStats
	Formats        map[string]int
	ReplayedTrue   int
	ReplayedFalse  int
	ErrorStages    map[string]int
	ErrorEvents    int
	WarnEvents     int
}

type numericStats struct {
	Count int
	Sum   float64
	Min   float64
	Max   float64
}

type durationSummary struct {
	Count int     `json:"count"`
	Min   float64 `json:"min_ms"`
	Max   float64 `json:"max_ms"`
	Avg   float64 `json:"avg_ms"`
}

type numericSummary struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

type boolCounts struct {
	True  int `json:"true"`
	False int `json:"false"`
}

type summaryOutput struct {
	EventName      string                     `json:"event_name"`
	EventDomain    string                     `json:"event_domain"`
	TotalEvents    int                        `json:"total_events"`
	SeverityCounts map[string]int             `json:"severity_counts"`
	StatusCounts   map[string]int             `json:"status_counts"`
	DurationMs     map[string]durationSummary `json:"duration_ms"`
	UploadBytes    numericSummary             `json:"upload_bytes"`
	Formats        map[string]int             `json:"formats,omitempty"`
	Replayed       boolCounts                 `json:"replayed"`
	ErrorStages    map[string]int             `json:"error_stages,omitempty"`
	ErrorEvents    int                        `json:"error_events"`
	WarnEvents     int                        `json:"warn_events"`
	SkippedLines   int                        `json:"skipped_lines"`
}

func newCollector(eventName, eventDomain string) *collector {
	return &collector{
		eventName:   eventName,
		eventDomain: eventDomain,
		stats: metricsSummary{
			SeverityCounts: make(map[string]int),
			StatusCounts:   make(map[int]int),
			Durations:      make(map[string]*numericStats),
			Formats:        make(map[string]int),
			ErrorStages:    make(map[string]int),
		},
	}
}

func (c *collector) ingest(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	if pipe := strings.Index(trimmed, "|"); pipe >= 0 {
		trimmed = strings.TrimSpace(trimmed[pipe+1:])
	}

	rec, err := decodeRecord(trimmed)
	if err != nil {
		c.skipped++
		return
	}

	if rec.EventName != c.eventName {
		return
	}
	if c.eventDomain != "" && rec.EventDomain != c.eventDomain {
		return
	}

	c.addRecord(rec)
}

func decodeRecord(raw string) (logRecord, error) {
	var rec logRecord
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		return logRecord{}, err
	}
	return rec, nil
}

func (c *collector) addRecord(rec logRecord) {
	c.stats.Count++

	severity := strings.ToUpper(strings.TrimSpace(rec.SeverityText))
	if severity == "" {
		severity = "UNSPECIFIED"
	}
	c.stats.SeverityCounts[severity]++

	switch severity {
	case "ERROR":
		c.stats.ErrorEvents++
	case "WARN", "WARNING":
		c.stats.WarnEvents++
	}

	if rec.Attributes == nil {
		return
	}

	if raw, exists := rec.Attributes[attrHTTPStatusCode]; exists {
		if status, ok := asInt(raw); ok {
			c.stats.StatusCounts[status]++
		}
	}
	if raw, exists := rec.Attributes[attrTotalMillis]; exists {
		if v, ok := asFloat(raw); ok {
			c.stats.addDuration("total", v)
		}
	}
	if raw, exists := rec.Attributes[attrAuthMillis]; exists {
		if v, ok := asFloat(raw); ok {
			c.stats.addDuration("auth", v)
		}
	}
	if raw, exists := rec.Attributes[attrStoreMillis]; exists {
		if v, ok := asFloat(raw); ok {
			c.stats.addDuration("store", v)
		}
	}
	if raw, exists := rec.Attributes[attrQueueMillis]; exists {
		if v, ok := asFloat(raw); ok {
			c.stats.addDuration("queue", v)
		}
	}
	if raw, exists := rec.Attributes[attrUploadBytes]; exists {
		if v, ok := asFloat(raw); ok {
			if c.stats.Bytes == nil {
				c.stats.Bytes = newNumericStats()
			}
			c.stats.Bytes.add(v)
		}
	}
	if raw, exists := rec.Attributes[attrUploadFormat]; exists {
		if format, ok := asString(raw); ok && format != "" {
			c.stats.Formats[format]++
		}
	}
	if raw, exists := rec.Attributes[attrReplayed]; exists {
		if b, ok := asBool(raw); ok {
			if b {
				c.stats.ReplayedTrue++
			} else {
				c.stats.ReplayedFalse++
			}
		}
	}
	if raw, exists := rec.Attributes[attrErrorStage]; exists {
		if stage, ok := asString(raw); ok && stage != "" {
			c.stats.ErrorStages[stage]++
		}
	}
}

func (s *metricsSummary) addDuration(key string, value float64) {
	stat, ok := s.Durations[key]
	if !ok {
		stat = newNumericStats()
		s.Durations[key] = stat
	}
	stat.add(value)
}

func newNumericStats() *numericStats {
	return &numericStats{Min: math.MaxFloat64}
}

func (n *numericStats) add(value float64) {
	n.Count++
	n.Sum += value
	if value < n.Min {
		n.Min = value
	}
	if value > n.Max {
		n.Max = value
	}
}

func (n *numericStats) toDurationSummary() durationSummary {
	if n == nil || n.Count == 0 {
		return durationSummary{}
	}
	min := n.Min
	if n.Min == math.MaxFloat64 {
		min = 0
	}
	return durationSummary{
		Count: n.Count,
		Min:   min,
		Max:   n.Max,
		Avg:   n.Sum / float64(n.Count),
	}
}

func (n *numericStats) toNumericSummary() numericSummary {
	if n == nil || n.Count == 0 {
		return numericSummary{}
	}
	min := n.Min
	if n.Min == math.MaxFloat64 {
		min = 0
	}
	return numericSummary{
		Count: n.Count,
		Min:   min,
		Max:   n.Max,
		Avg:   n.Sum / float64(n.Count),
	}
}

func (c *collector) summary() summaryOutput {
	durationMap := make(map[string]durationSummary, len(c.stats.Durations))
	for key, stat := range c.stats.Durations {
		durationMap[key] = stat.toDurationSummary()
	}

	statusCounts := make(map[string]int, len(c.stats.StatusCounts))
	for status, count := range c.stats.StatusCounts {
		statusCounts[strconv.Itoa(status)] = count
	}

	severity := make(map[string]int, len(c.stats.SeverityCounts))
	for k, v := range c.stats.SeverityCounts {
		severity[k] = v
	}

	return summaryOutput{
		EventName:      c.eventName,
		EventDomain:    c.eventDomain,
		TotalEvents:    c.stats.Count,
		SeverityCounts: severity,
		StatusCounts:   statusCounts,
		DurationMs:     durationMap,
		UploadBytes:    c.stats.Bytes.toNumericSummary(),
		Formats:        compactStringIntMap(c.stats.Formats),
		Replayed:       boolCounts{True: c.stats.ReplayedTrue, False: c.stats.ReplayedFalse},
		ErrorStages:    compactStringIntMap(c.stats.ErrorStages),
		ErrorEvents:    c.stats.ErrorEvents,
		WarnEvents:     c.stats.WarnEvents,
		SkippedLines:   c.skipped,
	}
}

func compactStringIntMap(in map[string]int) map[string]int {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s summaryOutput) ShortString() string {
	total := s.TotalEvents
	info := s.SeverityCounts["INFO"] + s.SeverityCounts["INFORMATION"]
	warn := s.WarnEvents
	errCount := s.ErrorEvents
	totalSummary, ok := s.DurationMs["total"]
	var totalDur, maxDur float64
	if ok {
		totalDur = totalSummary.Avg
		maxDur = totalSummary.Max
	}
	return strings.TrimSpace(strings.Join([]string{
		"event=" + s.EventName,
		"domain=" + s.EventDomain,
		"total=" + strconv.Itoa(total),
		"info=" + strconv.Itoa(info),
		"warn=" + strconv.Itoa(warn),
		"error=" + strconv.Itoa(errCount),
		"avg_total_ms=" + formatFloat(totalDur),
		"max_total_ms=" + formatFloat(maxDur),
	}, " "))
}

func formatFloat(v float64) string {
	if v == 0 {
		return "0"
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func asInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	case string:
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func asBool(value any) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(v) {
		case "true":
			return true, true
		case "false":
			return false, true
		default:
			return false, false
		}
	default:
		return false, false
	}
}

func asString(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case json.Number:
		return v.String(), true
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	default:
		return "", false
	}
}
