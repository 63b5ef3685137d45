// Package model builds the residual CNN used to classify CT slices.
package model

import (
	"fmt"

	"github.com/tsawler/ct-classifier/layers"
)

// Name identifies the architecture in checkpoints and logs.
const Name = "ct-resnet-lite"

// New returns a compact residual network mapping [N, inChannels, H, W]
// images to [N, numClasses] logits. H and W must be at least 4.
//
//	stem:   conv3x3(in, 16) relu maxpool2
//	stage1: residual(conv3x3(16, 16) relu conv3x3(16, 16))
//	        maxpool2
//	stage2: residual(conv3x3(16, 32) relu conv3x3(32, 32), shortcut conv1x1(16, 32))
//	head:   global average pool, linear(32, numClasses)
func New(numClasses, inChannels int) (*layers.Sequential, error) {
	if numClasses < 2 {
		return nil, fmt.Errorf("num_classes must be at least 2, got %d", numClasses)
	}
	if inChannels < 1 {
		return nil, fmt.Errorf("in_channels must be positive, got %d", inChannels)
	}

	var buildErr error
	conv := func(in, out, k, pad int) *layers.Conv2D {
		c, err := layers.NewConv2D(in, out, k, 1, pad, true)
		if err != nil && buildErr == nil {
			buildErr = err
		}
		return c
	}

	head, err := layers.NewLinear(32, numClasses, true)
	if err != nil {
		return nil, fmt.Errorf("failed to create classifier head: %v", err)
	}

	net := layers.NewSequential(
		conv(inChannels, 16, 3, 1),
		layers.NewReLU(),
		layers.NewMaxPool2D(2, 2),
		layers.NewResidual(layers.NewSequential(
			conv(16, 16, 3, 1),
			layers.NewReLU(),
			conv(16, 16, 3, 1),
		), nil),
		layers.NewMaxPool2D(2, 2),
		layers.NewResidual(layers.NewSequential(
			conv(16, 32, 3, 1),
			layers.NewReLU(),
			conv(32, 32, 3, 1),
		), conv(16, 32, 1, 0)),
		layers.NewGlobalAvgPool(),
		head,
	)
	if buildErr != nil {
		return nil, fmt.Errorf("failed to build model: %v", buildErr)
	}
	return net, nil
}
