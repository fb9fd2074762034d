//go:build cgo

package main

import _ "github.com/example/aneurysm-check/internal/inference/onnx"
