package errors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// DatabaseErrorType represents the type of database error.
type DatabaseErrorType int

const (
	// ErrorTypeUnknown represents an unknown database error.
	ErrorTypeUnknown DatabaseErrorType = iota
	// ErrorTypeDuplicateKey represents a duplicate key constraint violation (MySQL 1062).
	ErrorTypeDuplicateKey
	// ErrorTypeDataTooLong represents a data too long error (MySQL 1406).
	ErrorTypeDataTooLong
	// ErrorTypeNotFound represents a record not found error.
	ErrorTypeNotFound
	// ErrorTypeDeadlock represents a deadlock error (MySQL 1213).
	ErrorTypeDeadlock
	// ErrorTypeConnectionError represents a database connection error.
	ErrorTypeConnectionError
)

// DatabaseError wraps a database error with classification information.
type DatabaseError struct {
	Type         DatabaseErrorType
	OriginalErr  error
	MySQLErrCode uint16
	Message      string
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.MySQLErrCode > 0 {
		return fmt.Sprintf("%s (MySQL error %d): %v", e.Message, e.MySQLErrCode, e.OriginalErr)
	}
	return fmt.Sprintf("%s: %v", e.Message, e.OriginalErr)
}

// Unwrap returns the underlying error for errors.Is and errors.As compatibility.
func (e *DatabaseError) Unwrap() error {
	return e.OriginalErr
}

// ClassifyDBError classifies a database error into a specific error type.
// The job history archive uses it to decide which insert failures are worth
// alerting on (duplicate archives are expected after recovery replays).
func ClassifyDBError(err error) *DatabaseError {
	if err == nil {
		return nil
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &DatabaseError{
			Type:        ErrorTypeNotFound,
			OriginalErr: err,
			Message:     "record not found",
		}
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1062:
			return &DatabaseError{
				Type:         ErrorTypeDuplicateKey,
				OriginalErr:  err,
				MySQLErrCode: mysqlErr.Number,
				Message:      "duplicate key violation",
			}
		case 1406:
			return &DatabaseError{
				Type:         ErrorTypeDataTooLong,
				OriginalErr:  err,
				MySQLErrCode: mysqlErr.Number,
				Message:      "data too long for column",
			}
		case 1213:
			return &DatabaseError{
				Type:         ErrorTypeDeadlock,
				OriginalErr:  err,
				MySQLErrCode: mysqlErr.Number,
				Message:      "deadlock detected",
			}
		}
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "invalid connection") {
		return &DatabaseError{
			Type:        ErrorTypeConnectionError,
			OriginalErr: err,
			Message:     "database connection error",
		}
	}

	return &DatabaseError{
		Type:        ErrorTypeUnknown,
		OriginalErr: err,
		Message:     "database error",
	}
}

// IsDuplicateKey reports whether err is a duplicate key violation.
func IsDuplicateKey(err error) bool {
	dbErr := ClassifyDBError(err)
	return dbErr != nil && dbErr.Type == ErrorTypeDuplicateKey
}
