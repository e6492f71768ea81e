// Package main runs the SLAM engine against a simulated square trajectory
// with one noisy loop closure and prints the optimized result.
package main

import (
	"context"
	"flag"
	"math"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
	"go.viam.com/utils"

	"github.com/robomaps/graphslam"
	"github.com/robomaps/graphslam/solver/dense"
)

func main() {
	utils.ContextualMain(mainWithArgs, golog.NewLogger("graphslam-sim"))
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	fs := flag.NewFlagSet("graphslam-sim", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a yaml engine config")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg := graphslam.DefaultConfig()
	if *configPath != "" {
		loaded, err := graphslam.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		logger.Infow("loaded config", "path", *configPath)
	}

	engine, err := graphslam.New(cfg, nil, dense.New(logger), logger)
	if err != nil {
		return err
	}

	// Four sides of a 2m square: drive 1m, turn 90 degrees left, twice per
	// side so the loop is eight poses long.
	step := spatialmath.NewPoseFromPoint(r3.Vector{X: 1})
	turn := spatialmath.NewPose(
		r3.Vector{X: 1},
		&spatialmath.R4AA{Theta: math.Pi / 2, RZ: 1},
	)
	for i := 0; i < 4; i++ {
		if err := engine.AddOdometry(step, nil); err != nil {
			return err
		}
		if err := engine.AddOdometry(turn, nil); err != nil {
			return err
		}
	}

	// The trajectory returns to the start; close the loop against pose 0
	// with a slightly wrong measurement so the optimizer has work to do.
	closure := spatialmath.NewPoseFromPoint(r3.Vector{X: 0.05, Y: -0.03})
	if err := engine.AddRelativePose(engine.LatestIndex(), 0, closure, nil); err != nil {
		return err
	}

	if err := engine.Update(ctx); err != nil {
		return err
	}

	for i, p := range engine.Trajectory() {
		pt := p.Point()
		logger.Infow("pose", "index", i, "x", pt.X, "y", pt.Y, "z", pt.Z)
	}
	for i, c := range engine.EdgeConfidences() {
		edge := engine.PoseEdges()[i]
		logger.Infow("edge", "from", edge[0], "to", edge[1], "confidence", c)
	}
	return nil
}
