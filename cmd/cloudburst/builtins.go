package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/cloudburst/pkg/blob"
	"github.com/cuemby/cloudburst/pkg/evaluator"
)

// registerBuiltins populates reg with a small set of general-purpose
// functions, so the stock cloudburst worker image is runnable without
// an image author linking in their own registry first. Real deployments
// build a custom image that imports pkg/evaluator directly and
// registers their own domain functions instead.
func registerBuiltins(reg *evaluator.Registry) {
	reg.Register("echo", func(args, _ blob.Value) (blob.Value, error) {
		fmt.Println(args)
		return args, nil
	})
	reg.Register("sleep", func(args, _ blob.Value) (blob.Value, error) {
		seconds, ok := toFloat(args)
		if !ok {
			return nil, errors.New("sleep: args must be a number of seconds")
		}
		time.Sleep(time.Duration(seconds * float64(time.Second)))
		return nil, nil
	})
	reg.Register("fail", func(args, _ blob.Value) (blob.Value, error) {
		msg, _ := args.(string)
		if msg == "" {
			msg = "fail: requested failure"
		}
		return nil, errors.New(msg)
	})
}

func toFloat(v blob.Value) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case uint64:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
