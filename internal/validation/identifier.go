// Package validation checks the identifiers that name tracked entities.
package validation

import (
	"fmt"
	"regexp"
)

// EntityTypePattern определяет допустимый формат типа сущности
// Только строчные латинские буквы, цифры и нижнее подчеркивание, первая буква
var EntityTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// IDPattern определяет допустимый формат entity_id и project_id.
// ':' зарезервирован под ключ "type:id".
var IDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

const (
	// MaxEntityTypeLen максимальная длина типа сущности
	MaxEntityTypeLen = 64
	// MaxIDLen максимальная длина идентификатора
	MaxIDLen = 128
)

// ValidateEntityType проверяет тип сущности, например "business_rule"
func ValidateEntityType(entityType string) error {
	if entityType == "" {
		return fmt.Errorf("entity_type cannot be empty")
	}

	if len(entityType) > MaxEntityTypeLen {
		return fmt.Errorf("entity_type must not exceed %d characters", MaxEntityTypeLen)
	}

	if !EntityTypePattern.MatchString(entityType) {
		return fmt.Errorf("entity_type can only contain lowercase letters (a-z), numbers (0-9), and underscores (_), starting with a letter")
	}

	return nil
}

// ValidateID проверяет entity_id или project_id; field используется в тексте ошибки
func ValidateID(field, id string) error {
	if id == "" {
		return fmt.Errorf("%s cannot be empty", field)
	}

	if len(id) > MaxIDLen {
		return fmt.Errorf("%s must not exceed %d characters", field, MaxIDLen)
	}

	if !IDPattern.MatchString(id) {
		return fmt.Errorf("%s can only contain letters, numbers, '_', '.' and '-', starting with a letter or number", field)
	}

	return nil
}
