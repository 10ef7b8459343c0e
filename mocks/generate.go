package mocks

import "github.com/loon-lang/loon/vm"

// Metrics ...
type Metrics = vm.Metrics

//go:generate moq -rm -out metrics_mocks.go . Metrics
