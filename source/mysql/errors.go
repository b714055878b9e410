package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"

	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/maxpert/sluice/cdc"
)

// MySQL server error numbers the connector reacts to
const (
	errDBAccessDenied       = 1044
	errAccessDenied         = 1045
	errBadField             = 1054
	errNoSuchTable          = 1146
	errSpecificAccessDenied = 1227
	errMasterFatalReading   = 1236 // Requested binlog purged or never existed
)

// classify maps a client error onto the cdc taxonomy.
func (c *Connector) classify(op string, err error) error {
	return classify(c.cfg.ClusterName, c.cfg.User, op, err)
}

func classify(sourceName, user, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	switch serverErrorCode(err) {
	case errAccessDenied, errDBAccessDenied:
		return &cdc.AuthError{Source: sourceName, User: user, Err: err}
	case errMasterFatalReading:
		return errors.Join(cdc.ErrPositionExpired, err)
	case errNoSuchTable, errBadField:
		return &cdc.SchemaIncompatibleError{Reason: err.Error()}
	case 0:
	default:
		// Other server errors are not connectivity problems
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysqldriver.ErrInvalidConn) ||
		errors.Is(err, net.ErrClosed) {
		return &cdc.ConnectionError{Source: sourceName, Op: op, Err: err}
	}
	return err
}

func serverErrorCode(err error) uint16 {
	var driverErr *mysqldriver.MySQLError
	if errors.As(err, &driverErr) {
		return driverErr.Number
	}
	var replErr *gomysql.MyError
	if errors.As(err, &replErr) {
		return replErr.Code
	}
	// The replication client wraps server errors without Unwrap; fall back
	// to its "ERROR <code> (<state>): ..." rendering
	msg := err.Error()
	idx := strings.Index(msg, "ERROR ")
	if idx < 0 {
		return 0
	}
	digits := msg[idx+len("ERROR "):]
	end := 0
	for end < len(digits) && digits[end] >= '0' && digits[end] <= '9' {
		end++
	}
	code, perr := strconv.ParseUint(digits[:end], 10, 16)
	if perr != nil {
		return 0
	}
	return uint16(code)
}

func isAccessDenied(err error) bool {
	switch serverErrorCode(err) {
	case errAccessDenied, errDBAccessDenied, errSpecificAccessDenied:
		return true
	}
	return false
}
