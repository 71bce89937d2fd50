package main

const (
	MsgRunning = "YOLO Object Detection Service"

	MsgBadInput = "Failed to preprocess image"

	MsgModelUnavailable = "Failed to load model"

	MsgInferenceFailed = "Inference failed"

	MsgPhotoDetectFailed = "Photo detection failed"

	MsgInternal = "Internal server error"
)
