// Package logx is roombot's logging layer: a small field-based wrapper over
// zerolog with a console sink, a JSON file sink and an optional Matrix room
// sink. Level and sinks can be changed at runtime through Service.Apply.
package logx
