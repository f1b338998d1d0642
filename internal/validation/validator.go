package validation

import (
	"fmt"
	"strings"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
)

const (
	// Size limits
	MaxKeySize            = 254
	MaxValueSize          = 16 * 1024 * 1024 // 16 MB
	MaxCollectionNameSize = 256
)

// punctuation allowed in document keys besides letters and digits
const keyPunctuation = "_-:.@()+,=;$!*'%"

// Validator validates collection names and document operations
type Validator struct {
	maxKeySize   int
	maxValueSize int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxKeySize:   MaxKeySize,
		maxValueSize: MaxValueSize,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxKeySize, maxValueSize int) *Validator {
	return &Validator{
		maxKeySize:   maxKeySize,
		maxValueSize: maxValueSize,
	}
}

// ValidateOperation validates an operation before it is logged
func (v *Validator) ValidateOperation(op *model.Operation) error {
	if op == nil {
		return errors.InvalidArgument("operation is nil", nil)
	}
	if !op.Type.Valid() {
		return errors.InvalidArgument(fmt.Sprintf("unknown operation type %d", op.Type), nil)
	}
	if op.CollectionID == 0 {
		return errors.InvalidArgument("operation has no collection id", nil)
	}
	if err := v.ValidateKey(op.Key); err != nil {
		return err
	}
	if op.Type == model.OperationRemove {
		if len(op.Payload) > 0 {
			return errors.InvalidArgument("remove operations carry no payload", nil)
		}
		return nil
	}
	return v.ValidateValue(op.Payload)
}

// ValidateCollectionName validates a collection name. Names start with a
// letter and contain only letters, digits, '_' and '-'.
func (v *Validator) ValidateCollectionName(name string) error {
	if name == "" {
		return errors.InvalidCollectionName(name, "collection name cannot be empty")
	}
	if len(name) > MaxCollectionNameSize {
		return errors.InvalidCollectionName(name,
			fmt.Sprintf("collection name exceeds maximum size of %d bytes", MaxCollectionNameSize))
	}
	if !isLetter(name[0]) {
		return errors.InvalidCollectionName(name, "collection name must start with a letter")
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		if !isLetter(c) && !isDigit(c) && c != '_' && c != '-' {
			return errors.InvalidCollectionName(name,
				fmt.Sprintf("collection name contains invalid character %q", c))
		}
	}
	return nil
}

// ValidateKey validates a document key
func (v *Validator) ValidateKey(key string) error {
	if key == "" {
		return errors.InvalidKey(key, "key cannot be empty")
	}
	if len(key) > v.maxKeySize {
		return errors.KeyTooLarge(len(key), v.maxKeySize)
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if isLetter(c) || isDigit(c) || strings.IndexByte(keyPunctuation, c) >= 0 {
			continue
		}
		return errors.InvalidKey(key, fmt.Sprintf("key contains invalid character %q", c))
	}
	return nil
}

// ValidateValue validates a document payload
func (v *Validator) ValidateValue(value []byte) error {
	if len(value) > v.maxValueSize {
		return errors.ValueTooLarge(len(value), v.maxValueSize)
	}
	return nil
}

// EstimateWriteSize estimates the disk space needed for an operation. It is
// used by the disk manager before the operation is appended to the log.
func EstimateWriteSize(op *model.Operation) uint64 {
	// WAL frame and body overhead
	walSize := len(op.Key) + len(op.Payload) + 48

	// Eventual datafile copy
	datafileSize := len(op.Key) + len(op.Payload) + 40

	total := uint64(walSize + datafileSize)
	return total + (total / 5)
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
