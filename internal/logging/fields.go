package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供拦截请求的方法、路径、响应来源与版本字段，供请求日志复用。
func RequestFields(method, path, source, version, requestID string) logrus.Fields {
	return logrus.Fields{
		"method":     method,
		"path":       path,
		"source":     source,
		"version":    version,
		"request_id": requestID,
	}
}
