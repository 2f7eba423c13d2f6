// Package datalog owns the run's append-only sinks: a rolling,
// timestamp-named text log (logrus + lfshook + lumberjack) and the two
// CSVs (samples, trades) flushed after every write.
package datalog

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rifflock/lfshook"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/xarbitrage/xarb/pkg/xtypes"
)

// NewLogger builds a logrus.Logger that writes structured text to stderr
// and, via lfshook, to a rolling timestamp-named file under dir.
func NewLogger(dir, level string) (*logrus.Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	logger := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	logPath := filepath.Join(dir, fmt.Sprintf("xarb_%s.log", time.Now().Format("20060102_150405")))
	writer := &lumberjack.Logger{Filename: logPath, MaxSize: 100, MaxBackups: 5, MaxAge: 30}

	hook := lfshook.NewHook(lfshook.WriterMap{
		logrus.DebugLevel: writer,
		logrus.InfoLevel:  writer,
		logrus.WarnLevel:  writer,
		logrus.ErrorLevel: writer,
		logrus.FatalLevel: writer,
	}, &logrus.TextFormatter{FullTimestamp: true})
	logger.AddHook(hook)

	return logger, nil
}

var samplesHeader = []string{"timestamp", "m_bid", "m_ask", "t_bid", "t_ask", "diff_long", "diff_short", "avg_long", "avg_short", "signal"}
var tradesHeader = []string{"timestamp", "direction", "m_side", "m_price", "m_size", "t_side", "t_price", "t_size", "spread_captured", "m_position", "t_position", "net_position"}

// Store owns the two per-run CSVs, flushing after every write per the
// persisted-artifacts contract.
type Store struct {
	samplesFile *os.File
	samplesW    *csv.Writer
	tradesFile  *os.File
	tradesW     *csv.Writer
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	stamp := time.Now().Format("20060102_150405")

	samplesFile, err := os.Create(filepath.Join(dir, fmt.Sprintf("samples_%s.csv", stamp)))
	if err != nil {
		return nil, fmt.Errorf("create samples.csv: %w", err)
	}
	tradesFile, err := os.Create(filepath.Join(dir, fmt.Sprintf("trades_%s.csv", stamp)))
	if err != nil {
		samplesFile.Close()
		return nil, fmt.Errorf("create trades.csv: %w", err)
	}

	s := &Store{
		samplesFile: samplesFile, samplesW: csv.NewWriter(samplesFile),
		tradesFile: tradesFile, tradesW: csv.NewWriter(tradesFile),
	}
	if err := s.samplesW.Write(samplesHeader); err != nil {
		return nil, err
	}
	s.samplesW.Flush()
	if err := s.tradesW.Write(tradesHeader); err != nil {
		return nil, err
	}
	s.tradesW.Flush()
	return s, nil
}

func dstr(d decimal.Decimal) string { return d.String() }

// LogSample appends one sampling tick's row.
func (s *Store) LogSample(m, t xtypes.BBO, diffLong, diffShort, avgLong, avgShort decimal.Decimal, signal string) error {
	row := []string{
		time.Now().Format(time.RFC3339Nano),
		dstr(m.BestBid), dstr(m.BestAsk), dstr(t.BestBid), dstr(t.BestAsk),
		dstr(diffLong), dstr(diffShort), dstr(avgLong), dstr(avgShort), signal,
	}
	if err := s.samplesW.Write(row); err != nil {
		return err
	}
	s.samplesW.Flush()
	return s.samplesW.Error()
}

// LogTrade appends one completed arbitrage trade's row.
func (s *Store) LogTrade(direction xtypes.Direction, mSide, tSide xtypes.Side, mPrice, mSize, tPrice, tSize, spreadCaptured, mPos, tPos decimal.Decimal) error {
	net := mPos.Add(tPos)
	row := []string{
		time.Now().Format(time.RFC3339Nano),
		string(direction),
		string(mSide), dstr(mPrice), dstr(mSize),
		string(tSide), dstr(tPrice), dstr(tSize),
		dstr(spreadCaptured),
		dstr(mPos), dstr(tPos), dstr(net),
	}
	if err := s.tradesW.Write(row); err != nil {
		return err
	}
	s.tradesW.Flush()
	return s.tradesW.Error()
}

func (s *Store) Close() error {
	s.samplesW.Flush()
	s.tradesW.Flush()
	err1 := s.samplesFile.Close()
	err2 := s.tradesFile.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
