package gateway

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/paulo-coelho/iot-sim/pkg/monitoring"
)

// csvHeader is the fixed column order of the gateway log.
var csvHeader = []string{
	"uuid", "message_id", "sent_time", "receipt_time", "timestamp",
	"uri", "longitude", "latitude", "temperature", "battery", "error",
}

// flushInterval bounds how long a row sits in the writer's buffer.
const flushInterval = 30 * time.Second

// Row is one polling attempt. SentTime and ReceiptTime are nanoseconds
// since the UNIX epoch; Error is 0 or 1.
type Row struct {
	UUID        string
	MessageID   uint64
	SentTime    int64
	ReceiptTime int64
	Timestamp   float64
	URI         string
	Longitude   float64
	Latitude    float64
	Temperature float64
	Battery     float64
	Error       int
}

// CSVSink decouples pollers from disk: pollers enqueue rows, one writer
// goroutine drains the queue and flushes every 30 seconds and at shutdown.
type CSVSink struct {
	file    *os.File
	writer  *csv.Writer
	rows    chan Row
	done    chan struct{}
	logger  *logrus.Entry
	metrics *monitoring.Metrics
}

// NewCSVSink creates gw-<timestamp>.csv under dir, writes the header
// and starts the writer. queueSize is clamped to a sane floor.
func NewCSVSink(dir string, queueSize int, metrics *monitoring.Metrics) (*CSVSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	name := fmt.Sprintf("gw-%s.csv", time.Now().Format("20060102-150405"))
	path := filepath.Join(dir, name)
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSV log: %w", err)
	}

	writer := csv.NewWriter(file)
	writer.Comma = ';'
	if err := writer.Write(csvHeader); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}
	writer.Flush()

	if queueSize < 256 {
		queueSize = 256
	}

	s := &CSVSink{
		file:    file,
		writer:  writer,
		rows:    make(chan Row, queueSize),
		done:    make(chan struct{}),
		logger:  logrus.WithFields(logrus.Fields{"component": "csv_sink", "path": path}),
		metrics: metrics,
	}

	go s.run()
	s.logger.Info("CSV log opened")
	return s, nil
}

// Enqueue hands a row to the writer. The queue is bounded; when the writer
// cannot keep up the row is dropped with a warning rather than stalling the
// poller.
func (s *CSVSink) Enqueue(row Row) {
	select {
	case s.rows <- row:
		s.metrics.IncCSVRow()
		s.metrics.SetQueueDepth(len(s.rows))
	default:
		s.logger.WithField("uri", row.URI).Warn("CSV queue full, dropping row")
	}
}

// Close stops accepting rows, drains the queue, flushes and closes the
// file. Safe to call once after all pollers have stopped.
func (s *CSVSink) Close() {
	close(s.rows)
	<-s.done
}

func (s *CSVSink) run() {
	defer close(s.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case row, ok := <-s.rows:
			if !ok {
				s.drain()
				s.writer.Flush()
				if err := s.writer.Error(); err != nil {
					s.logger.WithError(err).Error("CSV flush failed")
				}
				if err := s.file.Close(); err != nil {
					s.logger.WithError(err).Error("CSV close failed")
				}
				s.logger.Info("CSV log closed")
				return
			}
			s.write(row)
			s.metrics.SetQueueDepth(len(s.rows))
		case <-ticker.C:
			s.writer.Flush()
			if err := s.writer.Error(); err != nil {
				s.logger.WithError(err).Error("CSV flush failed")
			}
		}
	}
}

func (s *CSVSink) drain() {
	for row := range s.rows {
		s.write(row)
	}
}

func (s *CSVSink) write(row Row) {
	record := []string{
		row.UUID,
		strconv.FormatUint(row.MessageID, 10),
		strconv.FormatInt(row.SentTime, 10),
		strconv.FormatInt(row.ReceiptTime, 10),
		strconv.FormatFloat(row.Timestamp, 'f', -1, 64),
		row.URI,
		strconv.FormatFloat(row.Longitude, 'f', -1, 64),
		strconv.FormatFloat(row.Latitude, 'f', -1, 64),
		strconv.FormatFloat(row.Temperature, 'f', -1, 64),
		strconv.FormatFloat(row.Battery, 'f', -1, 64),
		strconv.Itoa(row.Error),
	}
	if err := s.writer.Write(record); err != nil {
		s.logger.WithError(err).Error("Failed to write CSV row")
	}
}
