package code

// 错误码消息映射
var codeMessageMap = map[int]string{
	// 通用错误码
	ErrSuccess:      "成功",
	ErrUnknown:      "未知错误",
	ErrBind:         "请求参数绑定错误",
	ErrValidation:   "请求参数验证错误",
	ErrTokenInvalid: "无效的认证令牌",

	// 用户相关错误码
	ErrUserNotFound:          "用户不存在",
	ErrUserPasswordIncorrect: "用户密码错误",

	// 设备相关错误码
	ErrDeviceNotFound:     "设备不存在",
	ErrDeviceAlreadyExist: "设备已存在",
	ErrDeviceOffline:      "设备当前离线",

	// 人脸相关错误码
	ErrFacialNotFound: "人脸数据不存在",
	ErrFacialInactive: "人脸数据已停用",

	// 任务相关错误码
	ErrTaskNotFound:       "任务不存在",
	ErrTaskNotCancellable: "任务当前状态不可取消",
	ErrTaskEnqueueFailed:  "任务入队失败",

	// 数据库相关错误码
	ErrDatabase:       "数据库错误",
	ErrRecordNotFound: "记录不存在",
}

// 错误码HTTP状态码映射
var codeStatusMap = map[int]int{
	// 通用错误码
	ErrSuccess:      StatusOK,
	ErrUnknown:      StatusInternalServerError,
	ErrBind:         StatusBadRequest,
	ErrValidation:   StatusBadRequest,
	ErrTokenInvalid: StatusUnauthorized,

	// 用户相关错误码
	ErrUserNotFound:          StatusNotFound,
	ErrUserPasswordIncorrect: StatusUnauthorized,

	// 设备相关错误码
	ErrDeviceNotFound:     StatusNotFound,
	ErrDeviceAlreadyExist: StatusBadRequest,
	ErrDeviceOffline:      StatusBadRequest,

	// 人脸相关错误码
	ErrFacialNotFound: StatusNotFound,
	ErrFacialInactive: StatusBadRequest,

	// 任务相关错误码
	ErrTaskNotFound:       StatusNotFound,
	ErrTaskNotCancellable: StatusBadRequest,
	ErrTaskEnqueueFailed:  StatusInternalServerError,

	// 数据库相关错误码
	ErrDatabase:       StatusInternalServerError,
	ErrRecordNotFound: StatusNotFound,
}

// GetMessage 获取错误码对应的消息
func GetMessage(code int) string {
	if msg, ok := codeMessageMap[code]; ok {
		return msg
	}
	return "未知错误"
}

// GetStatus 获取错误码对应的HTTP状态码
func GetStatus(code int) int {
	if status, ok := codeStatusMap[code]; ok {
		return status
	}
	return StatusInternalServerError
}
