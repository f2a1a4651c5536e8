package services

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"facial-sync-service/models"
)

// fakeISAPIDevice 模拟海康终端的ISAPI接口
type fakeISAPIDevice struct {
	ts *httptest.Server

	mu              sync.Mutex
	libListCalls    int
	uploadCalls     int
	lastContentType string
	lastUploadBody  []byte

	deleteStatus int
	deleteBody   string

	lastHTTPHostsBody []byte
	lastTriggerBody   []byte
}

func newFakeISAPIDevice(t *testing.T) *fakeISAPIDevice {
	t.Helper()
	d := &fakeISAPIDevice{deleteStatus: 200, deleteBody: `{"statusCode":1,"statusString":"OK"}`}

	mux := http.NewServeMux()
	mux.HandleFunc("/ISAPI/System/deviceInfo", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("format") == "json" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"deviceName":"Door-01","model":"DS-K1T671M","serialNumber":"SN123"}`))
			return
		}
		w.WriteHeader(200)
		w.Write([]byte(`<DeviceInfo><model>DS-K1T671M</model></DeviceInfo>`))
	})
	mux.HandleFunc("/ISAPI/System/capabilities", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"isSupportFaceRecognizeMode":true}`))
	})
	mux.HandleFunc("/ISAPI/Event/notification/httpHosts", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		d.mu.Lock()
		d.lastHTTPHostsBody = body
		d.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"statusCode":1,"statusString":"OK"}`))
	})
	mux.HandleFunc("/ISAPI/Event/triggers/AccessControllerEvent", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		d.mu.Lock()
		d.lastTriggerBody = body
		d.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"statusCode":1,"statusString":"OK"}`))
	})
	mux.HandleFunc("/ISAPI/Intelligent/FDLib", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		d.libListCalls++
		d.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"FPLibListInfo":{"FPLib":[{"FDID":"7","faceLibType":"blackFD","name":"SyncLib"}]}}`))
	})
	mux.HandleFunc("/ISAPI/Intelligent/FDLib/FaceDataRecord", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		d.mu.Lock()
		d.uploadCalls++
		d.lastContentType = r.Header.Get("Content-Type")
		d.lastUploadBody = body
		d.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"statusCode":1,"statusString":"OK"}`))
	})
	mux.HandleFunc("/ISAPI/Intelligent/FDLib/FaceDataRecord/Delete", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		status, body := d.deleteStatus, d.deleteBody
		d.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	})
	mux.HandleFunc("/ISAPI/Intelligent/FDLib/FaceDataRecord/Count", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"numOfMatches":17}`))
	})

	d.ts = httptest.NewServer(mux)
	t.Cleanup(d.ts.Close)
	return d
}

func (d *fakeISAPIDevice) device(id string) *models.Device {
	u, _ := url.Parse(d.ts.URL)
	port, _ := strconv.Atoi(u.Port())
	return &models.Device{
		DeviceID: id,
		Name:     "测试终端 " + id,
		IP:       u.Hostname(),
		Username: "admin",
		Password: "admin12345",
		HTTPPort: port,
		SVRPort:  port,
		Active:   true,
	}
}

// unreachableDevice 返回一台指向已关闭端口的设备
func unreachableDevice(t *testing.T, id string) *models.Device {
	t.Helper()
	ts := httptest.NewServer(http.NotFoundHandler())
	u, _ := url.Parse(ts.URL)
	port, _ := strconv.Atoi(u.Port())
	ts.Close()
	return &models.Device{
		DeviceID: id,
		Name:     "离线终端 " + id,
		IP:       u.Hostname(),
		Username: "admin",
		Password: "admin12345",
		HTTPPort: port,
		SVRPort:  port,
		Active:   true,
	}
}

func newSyncService(t *testing.T, devices ...*models.Device) (*DeviceSyncService, InterfaceSyncStore) {
	t.Helper()
	store, db := newTestStore(t)
	for _, device := range devices {
		if err := db.Create(device).Error; err != nil {
			t.Fatalf("创建测试设备失败: %v", err)
		}
	}
	return NewDeviceSyncService(store, newTestConfig()).(*DeviceSyncService), store
}

func testFacial() *models.FacialTemplate {
	return &models.FacialTemplate{ID: 42, TemplateData: []byte("fake-jpeg-data"), Active: true}
}

func TestSyncToAllDevicesIsolatesSingleDeviceFailure(t *testing.T) {
	good1 := newFakeISAPIDevice(t)
	good2 := newFakeISAPIDevice(t)
	svc, store := newSyncService(t,
		good1.device("dev-1"),
		unreachableDevice(t, "dev-2"),
		good2.device("dev-3"),
	)

	result, err := svc.SyncToAllDevices(context.Background(), models.TaskTypeCreate, testFacial(), 42)
	if err != nil {
		t.Fatalf("同步出错: %v", err)
	}

	if result.TotalDevices != 3 || result.Successful != 2 || result.Failed != 1 {
		t.Fatalf("聚合结果不符: %+v", result)
	}
	if len(result.Details) != 3 {
		t.Fatalf("应有3条设备明细, 实际 %d", len(result.Details))
	}
	for _, detail := range result.Details {
		if detail.DeviceID == "dev-2" && detail.Success {
			t.Fatal("离线设备不应标记成功")
		}
		if detail.DeviceID != "dev-2" && !detail.Success {
			t.Fatalf("在线设备 %s 不应失败: %s", detail.DeviceID, detail.Message)
		}
	}

	// 失败设备的状态与错误计数被持久化
	device, err := store.GetDeviceByID("dev-2")
	if err != nil {
		t.Fatalf("读取设备失败: %v", err)
	}
	if device.Status == nil || device.Status.IsOnline {
		t.Fatalf("离线设备状态应为下线: %+v", device.Status)
	}
	if device.Status.ErrorCount != 1 {
		t.Fatalf("离线设备错误计数应为1, 实际 %d", device.Status.ErrorCount)
	}

	stats := svc.Statistics()
	if stats.SyncRuns != 1 || stats.DevicesSucceeded != 2 || stats.DevicesFailed != 1 {
		t.Fatalf("统计不符: %+v", stats)
	}
}

func TestSyncAbortedMidRunCountsRemainingAsFailed(t *testing.T) {
	good1 := newFakeISAPIDevice(t)
	good2 := newFakeISAPIDevice(t)
	store, db := newTestStore(t)
	for _, device := range []*models.Device{good1.device("dev-1"), good2.device("dev-2")} {
		if err := db.Create(device).Error; err != nil {
			t.Fatalf("创建测试设备失败: %v", err)
		}
	}

	cfg := newTestConfig()
	cfg.DevicePause = 300 * time.Millisecond
	svc := NewDeviceSyncService(store, cfg).(*DeviceSyncService)

	// 超时落在设备间停顿内, 第二台设备不会被触达
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	result, err := svc.SyncToAllDevices(ctx, models.TaskTypeCreate, testFacial(), 42)
	if err != nil {
		t.Fatalf("同步出错: %v", err)
	}

	if result.TotalDevices != 2 || result.Successful != 1 || result.Failed != 1 {
		t.Fatalf("未触达的设备应计为失败: %+v", result)
	}
	if len(result.Details) != 2 {
		t.Fatalf("每台设备都应有明细, 实际 %d 条", len(result.Details))
	}
	if result.Details[1].Success || !strings.Contains(result.Details[1].Message, "未尝试") {
		t.Fatalf("未触达设备的明细不符: %+v", result.Details[1])
	}
	if resultError(result) == nil {
		t.Fatal("中止的同步必须让任务进入重试")
	}
}

func TestUploadFaceSendsMultipartMetadataAndImage(t *testing.T) {
	fake := newFakeISAPIDevice(t)
	svc, _ := newSyncService(t)
	device := fake.device("dev-1")

	if err := svc.UploadFace(context.Background(), device, testFacial()); err != nil {
		t.Fatalf("上传失败: %v", err)
	}

	fake.mu.Lock()
	contentType, body := fake.lastContentType, fake.lastUploadBody
	fake.mu.Unlock()

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != "multipart/form-data" {
		t.Fatalf("上传应为multipart/form-data, 实际 %q", contentType)
	}

	reader := multipart.NewReader(strings.NewReader(string(body)), params["boundary"])
	parts := map[string][]byte{}
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("解析multipart失败: %v", err)
		}
		data, _ := io.ReadAll(part)
		parts[part.FormName()] = data
	}

	var meta map[string]string
	if err := json.Unmarshal(parts["FaceDataRecord"], &meta); err != nil {
		t.Fatalf("元数据不是合法JSON: %v", err)
	}
	if meta["FDID"] != "7" || meta["FPID"] != "42" || meta["faceLibType"] != "blackFD" {
		t.Fatalf("元数据不符: %v", meta)
	}
	if string(parts["FaceImage"]) != "fake-jpeg-data" {
		t.Fatal("图像部分与模板数据不一致")
	}
}

func TestDeleteFaceAbsentTreatedAsSuccess(t *testing.T) {
	fake := newFakeISAPIDevice(t)
	fake.mu.Lock()
	fake.deleteStatus = 400
	fake.deleteBody = `{"statusCode":6,"statusString":"Invalid Content","subStatusCode":"faceDataNotExist"}`
	fake.mu.Unlock()

	svc, _ := newSyncService(t)
	if err := svc.DeleteFace(context.Background(), fake.device("dev-1"), 42); err != nil {
		t.Fatalf("删除不存在的人脸应视为成功, 实际 %v", err)
	}
}

func TestDeleteFaceDeviceErrorPropagates(t *testing.T) {
	fake := newFakeISAPIDevice(t)
	fake.mu.Lock()
	fake.deleteStatus = 500
	fake.deleteBody = `{"statusCode":3,"statusString":"Device Error","subStatusCode":"deviceError"}`
	fake.mu.Unlock()

	svc, _ := newSyncService(t)
	err := svc.DeleteFace(context.Background(), fake.device("dev-1"), 42)
	if err == nil {
		t.Fatal("设备错误应向上传递")
	}
	if !strings.Contains(err.Error(), "Device Error") {
		t.Fatalf("错误应包含设备报告的描述: %v", err)
	}
}

func TestEnsureFaceLibraryCachesProbedID(t *testing.T) {
	fake := newFakeISAPIDevice(t)
	svc, _ := newSyncService(t)
	device := fake.device("dev-1")

	for i := 0; i < 3; i++ {
		fdid, err := svc.EnsureFaceLibrary(context.Background(), device)
		if err != nil {
			t.Fatalf("探测人脸库失败: %v", err)
		}
		if fdid != "7" {
			t.Fatalf("应使用设备上已有的库ID, 实际 %q", fdid)
		}
	}

	fake.mu.Lock()
	calls := fake.libListCalls
	fake.mu.Unlock()
	if calls != 1 {
		t.Fatalf("库ID应只探测一次后缓存, 实际探测 %d 次", calls)
	}
}

func TestEnsureFaceLibraryFallsBackToDefaultID(t *testing.T) {
	svc, _ := newSyncService(t)
	device := unreachableDevice(t, "dev-1")

	fdid, err := svc.EnsureFaceLibrary(context.Background(), device)
	if err != nil {
		t.Fatalf("回落不应返回错误: %v", err)
	}
	if fdid != "1" {
		t.Fatalf("探测失败应回落到默认库ID \"1\", 实际 %q", fdid)
	}
	if svc.Statistics().LibraryFallbacks != 1 {
		t.Fatalf("回落应计入统计: %+v", svc.Statistics())
	}
}

func TestInvalidateSessionDropsCachedClientAndLibrary(t *testing.T) {
	fake := newFakeISAPIDevice(t)
	svc, _ := newSyncService(t)
	device := fake.device("dev-1")

	if _, err := svc.EnsureFaceLibrary(context.Background(), device); err != nil {
		t.Fatalf("探测人脸库失败: %v", err)
	}
	if svc.Statistics().ActiveSessions != 1 {
		t.Fatalf("应缓存1个会话: %+v", svc.Statistics())
	}

	svc.InvalidateSession(device.DeviceID)
	if svc.Statistics().ActiveSessions != 0 {
		t.Fatalf("作废后会话应清空: %+v", svc.Statistics())
	}

	// 库ID缓存一并作废，重新探测
	if _, err := svc.EnsureFaceLibrary(context.Background(), device); err != nil {
		t.Fatalf("重新探测失败: %v", err)
	}
	fake.mu.Lock()
	calls := fake.libListCalls
	fake.mu.Unlock()
	if calls != 2 {
		t.Fatalf("作废后应重新探测库ID, 实际探测 %d 次", calls)
	}
}

func TestPingAllDevicesReportsOnlineAndOffline(t *testing.T) {
	fake := newFakeISAPIDevice(t)
	svc, store := newSyncService(t,
		fake.device("dev-1"),
		unreachableDevice(t, "dev-2"),
	)

	report, err := svc.PingAllDevices(context.Background())
	if err != nil {
		t.Fatalf("连通性检测失败: %v", err)
	}

	if report.TotalDevices != 2 || report.Online != 1 || report.Offline != 1 {
		t.Fatalf("检测报告不符: %+v", report)
	}
	for _, status := range report.Devices {
		if status.DeviceID == "dev-1" {
			if !status.Online || status.FaceCount != 17 {
				t.Fatalf("在线设备应带回人脸数: %+v", status)
			}
		}
	}

	device, _ := store.GetDeviceByID("dev-1")
	if device.Status == nil || !device.Status.IsOnline || device.Status.FaceCount != 17 {
		t.Fatalf("在线设备状态应被持久化: %+v", device.Status)
	}
}

func TestConfigureEventNotificationPushesCallbackAndArmsTrigger(t *testing.T) {
	fake := newFakeISAPIDevice(t)
	svc, _ := newSyncService(t)

	if err := svc.ConfigureEventNotification(context.Background(), fake.device("dev-1")); err != nil {
		t.Fatalf("下发事件推送配置失败: %v", err)
	}

	fake.mu.Lock()
	hostsBody, triggerBody := fake.lastHTTPHostsBody, fake.lastTriggerBody
	fake.mu.Unlock()

	var hosts isapiHTTPHostList
	if err := json.Unmarshal(hostsBody, &hosts); err != nil {
		t.Fatalf("推送地址请求体解析失败: %v", err)
	}
	list := hosts.HTTPHostNotificationList.HTTPHostNotification
	if len(list) != 1 {
		t.Fatalf("应下发1条推送地址, 实际 %d", len(list))
	}
	if list[0].URL != "http://192.168.1.10:8081/" {
		t.Fatalf("回调地址不符: %s", list[0].URL)
	}
	if list[0].ProtocolType != "HTTP" || list[0].ParameterFormatType != "JSON" {
		t.Fatalf("推送参数不符: %+v", list[0])
	}

	var trigger isapiAccessEventTrigger
	if err := json.Unmarshal(triggerBody, &trigger); err != nil {
		t.Fatalf("触发器请求体解析失败: %v", err)
	}
	if !trigger.AccessControllerEventTrigger.Enabled ||
		trigger.AccessControllerEventTrigger.EventType != "AccessControllerEvent" {
		t.Fatalf("门禁事件触发器未启用: %+v", trigger)
	}
}

func TestConfigureEventNotificationRequiresCallbackHost(t *testing.T) {
	fake := newFakeISAPIDevice(t)
	svc, _ := newSyncService(t)
	svc.Config.EventCallbackHost = ""

	if err := svc.ConfigureEventNotification(context.Background(), fake.device("dev-1")); err == nil {
		t.Fatal("未配置回调地址时应返回错误")
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.lastHTTPHostsBody != nil {
		t.Fatal("未配置回调地址时不应请求设备")
	}
}

func TestGetDeviceInfoAggregatesDeviceState(t *testing.T) {
	fake := newFakeISAPIDevice(t)
	svc, _ := newSyncService(t)

	report, err := svc.GetDeviceInfo(context.Background(), fake.device("dev-1"))
	if err != nil {
		t.Fatalf("读取设备信息失败: %v", err)
	}

	if !report.Online {
		t.Fatal("可达设备应报告在线")
	}
	if report.DeviceInfo["model"] != "DS-K1T671M" {
		t.Fatalf("设备型号不符: %+v", report.DeviceInfo)
	}
	if report.Capabilities["isSupportFaceRecognizeMode"] != true {
		t.Fatalf("能力集不符: %+v", report.Capabilities)
	}
	if len(report.FaceLibraries) != 1 || report.FaceLibraries[0].FDID != "7" {
		t.Fatalf("人脸库列表不符: %+v", report.FaceLibraries)
	}
}

func TestGetDeviceInfoOfflineDeviceStillReports(t *testing.T) {
	svc, _ := newSyncService(t)

	report, err := svc.GetDeviceInfo(context.Background(), unreachableDevice(t, "dev-9"))
	if err != nil {
		t.Fatalf("读取设备信息不应出错: %v", err)
	}
	if report.Online {
		t.Fatal("不可达设备不应报告在线")
	}
	if report.DeviceID != "dev-9" || len(report.FaceLibraries) != 0 {
		t.Fatalf("离线报告不符: %+v", report)
	}
}
