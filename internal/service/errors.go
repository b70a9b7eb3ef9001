package service

import "errors"

// カスタムエラー定義
var (
	ErrMessageNotFound  = errors.New("message not found")
	ErrNotMessageAuthor = errors.New("forbidden: not message author")
)
