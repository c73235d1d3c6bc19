// Copyright (c) The Kudu Authors.
// Licensed under the Apache License, Version 2.0.

package tablet

// testLogger discards Infof and, unlike the production DefaultLogger,
// does not os.Exit on Fatalf -- invariantFatalf's panic is what tests
// written against require.Panics actually want to observe.
type testLogger struct{}

func (testLogger) Infof(format string, args ...interface{})  {}
func (testLogger) Fatalf(format string, args ...interface{}) {}

func newTestLogger() Logger { return testLogger{} }
