package ai

import (
	"errors"

	"github.com/kiranshivaraju/quillforge/pkg/models"
)

var (
	ErrProviderUnavailable = models.ErrProviderUnavailable
	ErrInferenceTimeout    = models.ErrInferenceTimeout
	ErrInvalidResponse     = errors.New("ai provider returned invalid response")
)
