package model

import (
	"github.com/google/uuid"
)

func GenerateUUID() string {
	return uuid.New().String()
}

// ensureID 在创建前补齐主键
func ensureID(id *string) {
	if *id == "" {
		*id = GenerateUUID()
	}
}
