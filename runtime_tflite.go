//go:build !no_tflite && cgo

package main

import _ "github.com/example/aneurysm-check/internal/inference/tflite"
